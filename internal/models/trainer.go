package models

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/table"
)

// TrainResult is one family's freshly trained challenger: its persisted
// artifact metadata, its evaluation metrics and the baseline metrics the
// promotion gate compares against.
type TrainResult struct {
	Family          string
	Metadata        Metadata
	Metrics         map[string]float64
	BaselineMetrics map[string]float64
}

// Trainer trains challengers for every family from validated feature
// tables.
type Trainer struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTrainer returns a trainer.
func NewTrainer(cfg *config.Config, logger *zap.Logger) *Trainer {
	return &Trainer{cfg: cfg, logger: logger}
}

// TrainAll trains every family present in tables. fingerprint is the
// dataset fingerprint recorded in each artifact's lineage metadata.
func (t *Trainer) TrainAll(tables map[string]*table.Table, fingerprint string) (map[string]*TrainResult, error) {
	out := make(map[string]*TrainResult, len(tables))
	for family, tbl := range tables {
		started := time.Now()
		res, err := t.trainFamily(family, tbl, fingerprint)
		if err != nil {
			return nil, fmt.Errorf("train %s: %w", family, err)
		}
		t.logger.Info("trained challenger",
			zap.String("family", family),
			zap.Int("version", res.Metadata.Version),
			zap.Any("metrics", res.Metrics),
			zap.Duration("elapsed", time.Since(started)))
		out[family] = res
	}
	return out, nil
}

func (t *Trainer) trainFamily(family string, tbl *table.Table, fingerprint string) (*TrainResult, error) {
	store, err := NewStore(t.cfg.ModelRegistryDir(family), family)
	if err != nil {
		return nil, err
	}
	tc := t.cfg.Training

	switch family {
	case "churn":
		ds, err := NewDataset(tbl, "churn_90d")
		if err != nil {
			return nil, err
		}
		train, eval, err := ds.TemporalSplit(tc.TemporalSplitRatio)
		if err != nil {
			return nil, err
		}
		model, err := TrainChurn(train)
		if err != nil {
			return nil, err
		}
		metrics, err := model.Evaluate(eval)
		if err != nil {
			return nil, err
		}
		baseline, err := RuleChurnBaseline{}.Evaluate(eval)
		if err != nil {
			return nil, err
		}
		meta, err := store.Save(model, Metadata{
			DatasetFingerprint: fingerprint,
			Metrics:            metrics.Map(),
			TrainingConfig:     map[string]any{"split_ratio": tc.TemporalSplitRatio},
		})
		if err != nil {
			return nil, err
		}
		return &TrainResult{
			Family: family, Metadata: meta,
			Metrics: metrics.Map(), BaselineMetrics: baseline.Map(),
		}, nil

	case "clv":
		ds, err := NewDataset(tbl, "future_90d_spend")
		if err != nil {
			return nil, err
		}
		train, eval, err := ds.TemporalSplit(tc.TemporalSplitRatio)
		if err != nil {
			return nil, err
		}
		model, err := TrainCLV(train)
		if err != nil {
			return nil, err
		}
		metrics, err := model.Evaluate(eval)
		if err != nil {
			return nil, err
		}
		baseline, err := RFMCLVBaseline{}.Evaluate(eval)
		if err != nil {
			return nil, err
		}
		meta, err := store.Save(model, Metadata{
			DatasetFingerprint: fingerprint,
			Metrics:            metrics.Map(),
			TrainingConfig:     map[string]any{"split_ratio": tc.TemporalSplitRatio},
		})
		if err != nil {
			return nil, err
		}
		return &TrainResult{
			Family: family, Metadata: meta,
			Metrics: metrics.Map(), BaselineMetrics: baseline.Map(),
		}, nil

	case "segmentation":
		ds, err := NewDataset(tbl, "")
		if err != nil {
			return nil, err
		}
		model, err := TrainSegmentation(ds, tc.SegmentCount, tc.Seed)
		if err != nil {
			return nil, err
		}
		metrics, err := model.Evaluate(ds)
		if err != nil {
			return nil, err
		}
		meta, err := store.Save(model, Metadata{
			DatasetFingerprint: fingerprint,
			Metrics:            metrics.Map(),
			TrainingConfig:     map[string]any{"segment_count": tc.SegmentCount, "seed": tc.Seed},
		})
		if err != nil {
			return nil, err
		}
		return &TrainResult{
			Family: family, Metadata: meta,
			Metrics: metrics.Map(),
			// Segmentation has no heuristic baseline; the promotion gate
			// only compares against the champion.
			BaselineMetrics: nil,
		}, nil
	}
	return nil, fmt.Errorf("unknown model family %q", family)
}
