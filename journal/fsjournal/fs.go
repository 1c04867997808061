package fsjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/journal"
)

var log = logging.Logger("fsjournal")

const RFC3339nocolon = "2006-01-02T150405Z0700"

const currentFile = "gig-journal.ndjson"

// fsJournal is a basic journal backed by files on a filesystem.
type fsJournal struct {
	journal.EventTypeRegistry

	dir       string
	sizeLimit int64
	keep      int

	fi    *os.File
	fSize int64

	incoming chan *journal.Event

	closing chan struct{}
	closed  chan struct{}
}

// OpenFSJournal constructs a rolling filesystem journal under path/journal.
// The per-file size limit and the number of rolled files kept come from the
// environment (see journal.EnvMaxSize and journal.EnvMaxBackups).
func OpenFSJournal(path string, disabled journal.DisabledEvents) (journal.Journal, error) {
	return openFSJournal(path, disabled, journal.EnvMaxSize, int(journal.EnvMaxBackups))
}

func openFSJournal(path string, disabled journal.DisabledEvents, sizeLimit int64, keep int) (*fsJournal, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding repo path: %w", err)
	}

	dir := filepath.Join(path, "journal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("creating journal directory %s: %w", dir, err)
	}

	f := &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(disabled),
		dir:               dir,
		sizeLimit:         sizeLimit,
		keep:              keep,
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}

	if err := f.rollJournalFile(); err != nil {
		return nil, err
	}

	go f.runLoop()

	return f, nil
}

func (f *fsJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnw("journal event supplier panicked", "event", evtType, "panic", r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	je := &journal.Event{
		EventType: evtType,
		Timestamp: build.Clock.Now(),
		Data:      supplier(),
	}
	select {
	case f.incoming <- je:
	case <-f.closing:
		log.Warnw("journal closed but tried to log event", "event", je)
	}
}

func (f *fsJournal) Close() error {
	close(f.closing)
	<-f.closed
	return nil
}

// putEvent appends evt as one ndjson line and rolls the file once it grows
// past sizeLimit.
func (f *fsJournal) putEvent(evt *journal.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return xerrors.Errorf("encoding %s: %w", evt.EventType, err)
	}
	n, err := f.fi.Write(append(b, '\n'))
	f.fSize += int64(n)
	if err != nil {
		return err
	}
	if f.fSize < f.sizeLimit {
		return nil
	}
	if err := f.rollJournalFile(); err != nil {
		log.Warnw("rolling journal file", "error", err)
	}
	return nil
}

func (f *fsJournal) rollJournalFile() error {
	if f.fi != nil {
		_ = f.fi.Close()
	}
	current := filepath.Join(f.dir, currentFile)
	rolled := filepath.Join(f.dir, fmt.Sprintf(
		"gig-journal-%s.ndjson",
		build.Clock.Now().Format(RFC3339nocolon),
	))

	if fi, err := os.Stat(current); err == nil && !fi.IsDir() {
		if err := os.Rename(current, rolled); err != nil {
			return xerrors.Errorf("rolling %s: %w", current, err)
		}
	}

	if err := f.pruneRolled(); err != nil {
		log.Warnw("failed to prune rolled journal files", "err", err)
	}

	nfi, err := os.Create(current)
	if err != nil {
		return xerrors.Errorf("creating journal file: %w", err)
	}
	f.fi, f.fSize = nfi, 0
	return nil
}

// pruneRolled removes the oldest rolled files beyond the keep limit.
func (f *fsJournal) pruneRolled() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	var rolled []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == currentFile || !strings.HasPrefix(e.Name(), "gig-journal-") {
			continue
		}
		rolled = append(rolled, e.Name())
	}
	if len(rolled) <= f.keep {
		return nil
	}
	sort.Strings(rolled)
	for _, name := range rolled[:len(rolled)-f.keep] {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fsJournal) write(je *journal.Event) {
	if err := f.putEvent(je); err != nil {
		log.Errorw("writing journal event", "event", je.EventType, "error", err)
	}
}

// runLoop owns the open file. On close it flushes whatever is still queued.
func (f *fsJournal) runLoop() {
	defer close(f.closed)

	for {
		select {
		case je := <-f.incoming:
			f.write(je)
		case <-f.closing:
			for {
				select {
				case je := <-f.incoming:
					f.write(je)
				default:
					_ = f.fi.Close()
					return
				}
			}
		}
	}
}
