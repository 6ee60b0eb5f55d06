// Package inference scores customers with each family's champion model,
// subject to kill switches and output bounds, and writes both the
// prediction tables and the audit log.
package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/models"
	"github.com/northwind-analytics/custintel/internal/promotion"
	"github.com/northwind-analytics/custintel/internal/safeguards"
	"github.com/northwind-analytics/custintel/internal/table"
)

// FamilyResult is the inference outcome for one model family. A blocked
// family is reported as unavailable, never as an error: the rest of the
// pipeline proceeds without its scores.
type FamilyResult struct {
	Family      string
	Version     int
	Disabled    bool
	Note        string
	Predictions *table.Table
	Clipped     int
}

// Runner scores feature tables with champion models.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	switches *safeguards.Manager
	log      *PredictionLog
}

// NewRunner returns an inference runner. log may be nil to skip audit
// logging (tests).
func NewRunner(cfg *config.Config, logger *zap.Logger, switches *safeguards.Manager, log *PredictionLog) *Runner {
	return &Runner{cfg: cfg, logger: logger, switches: switches, log: log}
}

var familyTargets = map[string]string{
	"churn":        "churn_90d",
	"clv":          "future_90d_spend",
	"segmentation": "",
}

var familyColumns = map[string]string{
	"churn":        "churn_score",
	"clv":          "clv_90d",
	"segmentation": "segment",
}

// RunAll scores every family and persists the prediction tables. The
// returned run ID ties the audit-log rows and the snapshot rows of this
// invocation together.
func (r *Runner) RunAll(tables map[string]*table.Table) (map[string]*FamilyResult, string, error) {
	runID := uuid.NewString()
	out := make(map[string]*FamilyResult, len(tables))
	for family, tbl := range tables {
		res, err := r.runFamily(runID, family, tbl)
		if err != nil {
			return nil, "", fmt.Errorf("inference %s: %w", family, err)
		}
		out[family] = res
	}
	return out, runID, nil
}

func (r *Runner) runFamily(runID, family string, tbl *table.Table) (*FamilyResult, error) {
	version, err := r.resolveVersion(family)
	if err != nil {
		return nil, err
	}

	if r.switches.IsBlocked(safeguards.ScopeModelType, family) {
		return r.disabled(family, version, fmt.Sprintf("model type %q disabled by kill switch", family))
	}
	versionTag := fmt.Sprintf("%s:v%d", family, version)
	if r.switches.IsBlocked(safeguards.ScopeModelVersion, versionTag) {
		return r.disabled(family, version, fmt.Sprintf("model version %q disabled by kill switch", versionTag))
	}

	ds, err := models.NewDataset(tbl, familyTargets[family])
	if err != nil {
		return nil, err
	}

	store, err := models.NewStore(r.cfg.ModelRegistryDir(family), family)
	if err != nil {
		return nil, err
	}

	var values []float64
	switch family {
	case "churn":
		var model models.ChurnModel
		if err := store.Load(version, &model); err != nil {
			return nil, err
		}
		values = model.Predict(ds.X)
	case "clv":
		var model models.CLVModel
		if err := store.Load(version, &model); err != nil {
			return nil, err
		}
		values = model.Predict(ds.X)
	case "segmentation":
		var model models.SegmentationModel
		if err := store.Load(version, &model); err != nil {
			return nil, err
		}
		segs := model.Predict(ds.X)
		values = make([]float64, len(segs))
		for i, s := range segs {
			values[i] = float64(s)
		}
	default:
		return nil, fmt.Errorf("unknown model family %q", family)
	}

	validator := safeguards.Validator{CLVCeiling: r.cfg.Safeguard.CLVCeiling}
	records := make([]PredictionRecord, len(values))
	clipped := 0
	now := time.Now().UTC()
	for i, v := range values {
		bounded, wasClipped, note := validator.ValidatePrediction(v, family)
		if wasClipped {
			clipped++
			r.logger.Warn("prediction clipped",
				zap.String("family", family),
				zap.String("customer_id", ds.CustomerIDs[i]),
				zap.String("note", note))
		}
		values[i] = bounded
		records[i] = PredictionRecord{
			RunID: runID, ModelName: family, ModelVersion: version,
			CustomerID: ds.CustomerIDs[i], Value: bounded,
			Clipped: wasClipped, Note: note, CreatedAt: now,
		}
	}

	preds := table.New()
	if err := preds.AddString("customer_id", ds.CustomerIDs, nil); err != nil {
		return nil, err
	}
	if err := preds.AddFloat(familyColumns[family], values, nil); err != nil {
		return nil, err
	}
	if err := r.persist(family, preds); err != nil {
		return nil, err
	}
	if r.log != nil {
		if err := r.log.Append(records); err != nil {
			return nil, err
		}
	}

	r.logger.Info("inference complete",
		zap.String("family", family),
		zap.Int("version", version),
		zap.Int("customers", len(values)),
		zap.Int("clipped", clipped))
	return &FamilyResult{Family: family, Version: version, Predictions: preds, Clipped: clipped}, nil
}

// resolveVersion prefers the champion record; when no champion exists yet
// it falls back to the newest persisted artifact.
func (r *Runner) resolveVersion(family string) (int, error) {
	champion, err := promotion.LoadChampion(r.cfg.ChampionPath(family))
	if err != nil {
		return 0, err
	}
	if champion != nil {
		return champion.Version, nil
	}

	store, err := models.NewStore(r.cfg.ModelRegistryDir(family), family)
	if err != nil {
		return 0, err
	}
	latest, err := store.LatestVersion()
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, fmt.Errorf("no model artifact available for %s", family)
	}
	return latest, nil
}

func (r *Runner) disabled(family string, version int, note string) (*FamilyResult, error) {
	r.logger.Warn("inference skipped", zap.String("family", family), zap.String("note", note))
	empty := table.New()
	return &FamilyResult{
		Family: family, Version: version, Disabled: true, Note: note, Predictions: empty,
	}, nil
}

func (r *Runner) persist(family string, preds *table.Table) error {
	dir := r.cfg.PredictionsDir(family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return preds.WriteCSV(filepath.Join(dir, "predictions.csv"))
}
