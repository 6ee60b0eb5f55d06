package promotion

import (
	"fmt"
	"os"
	"time"

	"github.com/northwind-analytics/custintel/internal/fsutil"
)

// ChampionRecord is the single source of truth for which model version
// serves a family. It is rewritten atomically on promotion and never
// edited in place.
type ChampionRecord struct {
	ModelName  string             `json:"model_name"`
	Version    int                `json:"version"`
	Metrics    map[string]float64 `json:"metrics"`
	PromotedAt time.Time          `json:"promoted_at"`
	Reason     string             `json:"reason"`
}

// LoadChampion reads a family's champion record. A missing file means no
// champion has ever been promoted; callers get a nil record, not an error.
func LoadChampion(path string) (*ChampionRecord, error) {
	var rec ChampionRecord
	if err := fsutil.ReadJSON(path, &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load champion record: %w", err)
	}
	return &rec, nil
}

// Promote atomically replaces the champion record.
func Promote(path string, rec ChampionRecord) error {
	if rec.PromotedAt.IsZero() {
		rec.PromotedAt = time.Now().UTC()
	}
	if err := fsutil.WriteJSONAtomic(path, rec); err != nil {
		return fmt.Errorf("persist champion record: %w", err)
	}
	return nil
}
