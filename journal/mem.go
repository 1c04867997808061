package journal

import (
	"sync"
	"time"
)

// MemJournal keeps events in memory. It is used by tests and by tooling that
// inspects recent activity.
type MemJournal struct {
	EventTypeRegistry

	lk     sync.Mutex
	events []*Event
}

var _ Journal = (*MemJournal)(nil)

func NewMemJournal(disabled DisabledEvents) *MemJournal {
	return &MemJournal{EventTypeRegistry: NewEventTypeRegistry(disabled)}
}

func (m *MemJournal) RecordEvent(evtType EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	evt := &Event{EventType: evtType, Timestamp: time.Now(), Data: supplier()}

	m.lk.Lock()
	m.events = append(m.events, evt)
	m.lk.Unlock()
}

// Events returns the recorded events of the given type, or all events when
// evtType is the zero value.
func (m *MemJournal) Events(evtType EventType) []*Event {
	m.lk.Lock()
	defer m.lk.Unlock()

	var out []*Event
	for _, e := range m.events {
		if evtType.System == "" || e.EventType.String() == evtType.String() {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemJournal) Close() error { return nil }
