package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PredictionRecord is one scored customer in the audit log. The log is the
// answer to "what did we tell downstream about this customer, with which
// model, when".
type PredictionRecord struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"index"`
	ModelName    string `gorm:"index"`
	ModelVersion int
	CustomerID   string `gorm:"index"`
	Value        float64
	Clipped      bool
	Note         string
	CreatedAt    time.Time
}

// PredictionLog is the append-only SQLite audit log.
type PredictionLog struct {
	db *gorm.DB
}

// OpenPredictionLog opens (and migrates) the audit log at path.
func OpenPredictionLog(path string) (*PredictionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create prediction log dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open prediction log: %w", err)
	}
	if err := db.AutoMigrate(&PredictionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate prediction log: %w", err)
	}
	return &PredictionLog{db: db}, nil
}

// Append writes a batch of records in one transaction.
func (l *PredictionLog) Append(records []PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := l.db.CreateInBatches(records, 500).Error; err != nil {
		return fmt.Errorf("append prediction log: %w", err)
	}
	return nil
}

// CountForRun returns how many records a run wrote, for reconciliation.
func (l *PredictionLog) CountForRun(runID string) (int64, error) {
	var n int64
	if err := l.db.Model(&PredictionRecord{}).Where("run_id = ?", runID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count prediction log: %w", err)
	}
	return n, nil
}
