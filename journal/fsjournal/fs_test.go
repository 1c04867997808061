package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/giggossip/giggossip/build"
	"github.com/giggossip/giggossip/journal"
)

func TestRecordAndDisable(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	disabled := journal.DisabledEvents{{System: "settler", Event: "noise"}}
	j, err := openFSJournal(dir, disabled, 1<<20, 3)
	req.NoError(err)

	gig := j.RegisterEventType("settler", "gig_status")
	noise := j.RegisterEventType("settler", "noise")
	req.True(gig.Enabled())
	req.False(noise.Enabled())

	journal.MaybeRecordEvent(j, gig, func() interface{} {
		return map[string]string{"gig": "g1", "to": "Accepted"}
	})
	journal.MaybeRecordEvent(j, noise, func() interface{} {
		t.Fatal("supplier of a disabled event must not run")
		return nil
	})
	req.NoError(j.Close())

	fi, err := os.Open(filepath.Join(dir, "journal", currentFile))
	req.NoError(err)
	defer fi.Close() //nolint:errcheck

	var lines []map[string]interface{}
	sc := bufio.NewScanner(fi)
	for sc.Scan() {
		var m map[string]interface{}
		req.NoError(json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	req.Len(lines, 1)
	req.Equal("settler", lines[0]["System"])
	req.Equal("gig_status", lines[0]["Event"])
}

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)
	mock := clock.NewMock()
	prev := build.Clock
	build.Clock = mock
	defer func() { build.Clock = prev }()

	dir := t.TempDir()
	j, err := openFSJournal(dir, nil, 1<<20, 2)
	req.NoError(err)
	defer j.Close() //nolint:errcheck

	jdir := filepath.Join(dir, "journal")
	for i := 0; i < 4; i++ {
		mock.Add(time.Second)
		req.NoError(j.rollJournalFile())
	}

	files, err := os.ReadDir(jdir)
	req.NoError(err)
	// current file plus the kept rolled files
	req.Len(files, 3)
}
