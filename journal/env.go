package journal

import (
	"os"
	"strconv"
)

const (
	envDisabledEvents = "GIG_JOURNAL_DISABLED_EVENTS"
	envMaxBackups     = "GIG_JOURNAL_MAX_BACKUPS"
	envMaxSize        = "GIG_JOURNAL_MAX_SIZE"
)

// Rotation limits of the filesystem journal.
var (
	EnvMaxBackups = int64FromEnv(envMaxBackups, 3)
	EnvMaxSize    = int64FromEnv(envMaxSize, 1<<30)
)

// EnvDisabledEvents reads disabled events from GIG_JOURNAL_DISABLED_EVENTS,
// falling back to DefaultDisabledEvents when unset or malformed.
func EnvDisabledEvents() DisabledEvents {
	v, ok := os.LookupEnv(envDisabledEvents)
	if !ok {
		return DefaultDisabledEvents
	}
	ret, err := ParseDisabledEvents(v)
	if err != nil {
		log.Warnw("ignoring malformed disabled journal events", "env", envDisabledEvents, "error", err)
		return DefaultDisabledEvents
	}
	return ret
}

func int64FromEnv(name string, def int64) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warnw("ignoring malformed journal setting", "env", name, "error", err)
		return def
	}
	return n
}
