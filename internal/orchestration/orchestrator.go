// Package orchestration sequences the pipeline: ingest, feature build,
// drift checks, conditional retraining with promotion, inference and
// snapshot materialization. Work is skipped when fingerprints prove inputs
// have not changed; state is committed only after a fully successful run.
package orchestration

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/drift"
	"github.com/northwind-analytics/custintel/internal/features"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/inference"
	"github.com/northwind-analytics/custintel/internal/ingest"
	"github.com/northwind-analytics/custintel/internal/models"
	"github.com/northwind-analytics/custintel/internal/promotion"
	"github.com/northwind-analytics/custintel/internal/registry"
	"github.com/northwind-analytics/custintel/internal/safeguards"
	"github.com/northwind-analytics/custintel/internal/snapshot"
	"github.com/northwind-analytics/custintel/internal/table"
)

// Orchestrator owns one pipeline invocation end to end.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *Metrics
	switches *safeguards.Manager

	loader   *ingest.Loader
	builder  *features.Builder
	monitor  *drift.Monitor
	trainer  *models.Trainer
	runner   *inference.Runner
	snapshot *snapshot.Builder
	policy   promotion.Policy
}

// New wires the pipeline components.
func New(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Orchestrator, error) {
	switches, err := safeguards.NewManager(cfg.KillSwitchPath(), logger)
	if err != nil {
		return nil, err
	}
	predLog, err := inference.OpenPredictionLog(cfg.PredictionLogPath())
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(reg),
		switches: switches,
		loader:   ingest.NewLoader(cfg, logger),
		builder:  features.NewBuilder(cfg, logger),
		monitor:  drift.NewMonitor(cfg, logger),
		trainer:  models.NewTrainer(cfg, logger),
		runner:   inference.NewRunner(cfg, logger, switches, predLog),
		snapshot: snapshot.NewBuilder(cfg, logger),
		policy: promotion.Policy{
			MinImprovement:         cfg.Promotion.MinImprovement,
			MaxSecondaryRegression: cfg.Promotion.MaxSecondaryRegression,
		},
	}, nil
}

// Switches exposes the kill-switch manager for the CLI.
func (o *Orchestrator) Switches() *safeguards.Manager { return o.switches }

// RunSummary reports what a run did and what it skipped.
type RunSummary struct {
	FeaturesRebuilt bool
	Retrained       bool
	DriftSevere     map[string]bool
	Promotions      map[string]string
	SnapshotDate    string
}

// Run executes the pipeline once.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	summary, err := o.run(ctx)
	if err != nil {
		o.metrics.Runs.WithLabelValues("failure").Inc()
		return nil, err
	}
	o.metrics.Runs.WithLabelValues("success").Inc()
	return summary, nil
}

func (o *Orchestrator) run(ctx context.Context) (*RunSummary, error) {
	state := loadState(o.cfg.StatePath(), o.logger)
	summary := &RunSummary{
		DriftSevere: make(map[string]bool),
		Promotions:  make(map[string]string),
	}

	if err := registry.WriteDefaults(o.cfg.RegistryDir); err != nil {
		return nil, fmt.Errorf("materialize feature registries: %w", err)
	}

	rawFP, err := fsutil.FingerprintDirectory(o.cfg.RawDir())
	if err != nil {
		return nil, err
	}

	// Feature stage: skip the rebuild when the raw data is byte-identical
	// to the last successful run.
	var (
		tables       map[string]*table.Table
		base         *table.Table
		featureFP    string
		snapshotDate time.Time
	)
	stageStart := time.Now()
	if rawFP == state.RawDataFingerprint && state.FeatureFingerprint != "" && o.featuresOnDisk() {
		o.logger.Info("raw data unchanged, reusing persisted features",
			zap.String("fingerprint", rawFP))
		tables, base, err = o.loadFeatures()
		if err != nil {
			return nil, err
		}
		featureFP = state.FeatureFingerprint
		snapshotDate, err = time.Parse(time.RFC3339, state.SnapshotDate)
		if err != nil {
			return nil, fmt.Errorf("stored snapshot date unparseable: %w", err)
		}
	} else {
		data, err := o.loader.Load(o.cfg.RawDir())
		if err != nil {
			return nil, err
		}
		res, err := o.builder.Build(data)
		if err != nil {
			return nil, err
		}
		tables, base = res.Tables, res.Base
		featureFP = res.Fingerprint
		snapshotDate = res.SnapshotDate
		summary.FeaturesRebuilt = true
	}
	o.metrics.StageDuration.WithLabelValues("features").Observe(time.Since(stageStart).Seconds())
	summary.SnapshotDate = snapshotDate.UTC().Format("2006-01-02")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Drift stage: always check, even when features were reused — the
	// baseline may have moved with a promotion since the last run.
	stageStart = time.Now()
	anySevere := false
	for _, family := range features.Families {
		baseline, err := drift.LoadBaseline(o.cfg.BaselineStatsPath(family))
		if err != nil {
			return nil, err
		}
		if baseline == nil {
			o.logger.Info("no drift baseline captured yet", zap.String("family", family))
			summary.DriftSevere[family] = false
			o.metrics.DriftSevere.WithLabelValues(family).Set(0)
			continue
		}
		report, err := o.monitor.Detect(family, tables[family], baseline)
		if err != nil {
			return nil, err
		}
		summary.DriftSevere[family] = report.Severe
		if report.Severe {
			anySevere = true
			o.metrics.DriftSevere.WithLabelValues(family).Set(1)
		} else {
			o.metrics.DriftSevere.WithLabelValues(family).Set(0)
		}
	}
	o.metrics.StageDuration.WithLabelValues("drift").Observe(time.Since(stageStart).Seconds())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Training stage: retrain when the feature set changed or any family
	// drifted severely.
	if featureFP != state.FeatureFingerprint || anySevere {
		stageStart = time.Now()
		results, err := o.trainer.TrainAll(tables, featureFP)
		if err != nil {
			return nil, err
		}
		for family, res := range results {
			decision, err := o.evaluatePromotion(family, res)
			if err != nil {
				return nil, err
			}
			summary.Promotions[family] = decision.Reason
			if decision.Promote {
				o.metrics.Promotions.WithLabelValues(family, "promoted").Inc()
				if err := o.promote(family, res, decision, tables[family], featureFP); err != nil {
					return nil, err
				}
			} else {
				o.metrics.Promotions.WithLabelValues(family, "rejected").Inc()
				o.logger.Info("challenger rejected",
					zap.String("family", family),
					zap.String("reason", decision.Reason))
			}
		}
		summary.Retrained = true
		o.metrics.StageDuration.WithLabelValues("training").Observe(time.Since(stageStart).Seconds())
	} else {
		o.logger.Info("features unchanged and no severe drift, skipping retraining")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Inference stage: always runs so fresh kill-switch state and champion
	// records take effect on every invocation.
	stageStart = time.Now()
	results, runID, err := o.runner.RunAll(tables)
	if err != nil {
		return nil, err
	}
	o.metrics.StageDuration.WithLabelValues("inference").Observe(time.Since(stageStart).Seconds())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stageStart = time.Now()
	if _, err := o.snapshot.Build(base, results, snapshotDate, runID, featureFP); err != nil {
		return nil, err
	}
	o.metrics.StageDuration.WithLabelValues("snapshot").Observe(time.Since(stageStart).Seconds())

	state.RawDataFingerprint = rawFP
	state.FeatureFingerprint = featureFP
	state.SnapshotDate = snapshotDate.UTC().Format(time.RFC3339)
	state.LastRun = time.Now().UTC()
	state.Drift = summary.DriftSevere
	if err := saveState(o.cfg.StatePath(), state); err != nil {
		return nil, fmt.Errorf("persist pipeline state: %w", err)
	}

	o.logger.Info("pipeline run complete",
		zap.Bool("features_rebuilt", summary.FeaturesRebuilt),
		zap.Bool("retrained", summary.Retrained),
		zap.String("snapshot_date", summary.SnapshotDate))
	return summary, nil
}

func (o *Orchestrator) evaluatePromotion(family string, res *models.TrainResult) (promotion.Decision, error) {
	champion, err := promotion.LoadChampion(o.cfg.ChampionPath(family))
	if err != nil {
		return promotion.Decision{}, err
	}
	var championMetrics map[string]float64
	if champion != nil {
		championMetrics = champion.Metrics
	}

	switch family {
	case "churn":
		return o.policy.EvaluateChurn(
			models.ChurnMetricsFromMap(championMetrics),
			models.ChurnMetricsFromMap(res.Metrics),
			models.ChurnMetricsFromMap(res.BaselineMetrics)), nil
	case "clv":
		return o.policy.EvaluateCLV(
			models.CLVMetricsFromMap(championMetrics),
			models.CLVMetricsFromMap(res.Metrics),
			models.CLVMetricsFromMap(res.BaselineMetrics)), nil
	case "segmentation":
		return o.policy.EvaluateSegmentation(
			models.SegmentationMetricsFromMap(championMetrics),
			models.SegmentationMetricsFromMap(res.Metrics)), nil
	}
	return promotion.Decision{}, fmt.Errorf("unknown model family %q", family)
}

// promote installs the challenger as champion and captures the drift
// baseline from the exact dataset it was trained on.
func (o *Orchestrator) promote(family string, res *models.TrainResult, decision promotion.Decision, tbl *table.Table, fingerprint string) error {
	if err := promotion.Promote(o.cfg.ChampionPath(family), promotion.ChampionRecord{
		ModelName: family,
		Version:   res.Metadata.Version,
		Metrics:   res.Metrics,
		Reason:    decision.Reason,
	}); err != nil {
		return err
	}
	baseline, err := drift.CaptureBaseline(tbl, fingerprint, o.cfg.Drift.PSIBins)
	if err != nil {
		return err
	}
	if err := drift.SaveBaseline(o.cfg.BaselineStatsPath(family), baseline); err != nil {
		return err
	}
	o.logger.Info("champion promoted",
		zap.String("family", family),
		zap.Int("version", res.Metadata.Version),
		zap.String("reason", decision.Reason))
	return nil
}

func (o *Orchestrator) featuresOnDisk() bool {
	for _, family := range append([]string{"base"}, features.Families...) {
		if _, err := os.Stat(o.cfg.FeaturePath(family)); err != nil {
			return false
		}
	}
	return true
}

func (o *Orchestrator) loadFeatures() (map[string]*table.Table, *table.Table, error) {
	tables := make(map[string]*table.Table, len(features.Families))
	for _, family := range features.Families {
		t, err := table.ReadCSV(o.cfg.FeaturePath(family))
		if err != nil {
			return nil, nil, fmt.Errorf("reload %s features: %w", family, err)
		}
		tables[family] = t
	}
	base, err := table.ReadCSV(o.cfg.FeaturePath("base"))
	if err != nil {
		return nil, nil, fmt.Errorf("reload base features: %w", err)
	}
	return tables, base, nil
}
