package journal

// J is the process-wide journal. Daemons replace it with the configured one
// at startup; settler and liquidity components receive theirs explicitly.
var J Journal = NilJournal() // nolint

// MaybeRecordEvent records an event only when j is a live journal and
// evtType is enabled, so supplier is not evaluated otherwise.
func MaybeRecordEvent(j Journal, evtType EventType, supplier func() interface{}) {
	if j == nil || j == nilj || !evtType.Enabled() {
		return
	}
	j.RecordEvent(evtType, supplier)
}
