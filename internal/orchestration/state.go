package orchestration

import (
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/fsutil"
)

// State is the durable record of the last fully successful run. It is the
// basis for skip decisions, so it is only ever written after every stage
// has succeeded; a failed run leaves the previous state untouched and the
// next run redoes all work.
type State struct {
	RawDataFingerprint string          `json:"raw_data_fingerprint"`
	FeatureFingerprint string          `json:"feature_fingerprint"`
	SnapshotDate       string          `json:"snapshot_date"`
	LastRun            time.Time       `json:"last_run"`
	Drift              map[string]bool `json:"drift_severe"`
}

// loadState reads persisted state, treating a missing or unreadable file
// as a cold start rather than a failure.
func loadState(path string, logger *zap.Logger) *State {
	var s State
	if err := fsutil.ReadJSON(path, &s); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("state store unreadable, starting cold", zap.Error(err))
		}
		return &State{Drift: make(map[string]bool)}
	}
	if s.Drift == nil {
		s.Drift = make(map[string]bool)
	}
	return &s
}

func saveState(path string, s *State) error {
	return fsutil.WriteJSONAtomic(path, s)
}
