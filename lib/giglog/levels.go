package giglog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("pubsub", "WARN")
		_ = logging.SetLogLevel("sqlite", "WARN")
		_ = logging.SetLogLevel("rpc", "ERROR")
	}
	// Always mute RtRefreshManager because it breaks terminals
	_ = logging.SetLogLevel("dht/RtRefreshManager", "FATAL")
}

// SetSubsystemLevels applies configured per-subsystem log levels.
func SetSubsystemLevels(levels map[string]string) error {
	for sys, lvl := range levels {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			return xerrors.Errorf("setting log level of %s: %w", sys, err)
		}
	}
	return nil
}
