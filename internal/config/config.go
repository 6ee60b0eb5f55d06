// Package config loads the pipeline configuration. Every business constant
// the pipeline branches on lives here so thresholds stay auditable and
// testable independent of code changes.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the single versioned configuration consumed by every pipeline
// stage. Constructed once per process invocation and passed by reference.
type Config struct {
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`

	// DataDir is the root under which all persisted state lives.
	DataDir string `mapstructure:"data_dir"`

	// RegistryDir holds the versioned feature-registry YAML documents.
	RegistryDir string `mapstructure:"registry_dir"`

	Features  FeaturesConfig  `mapstructure:"features"`
	Drift     DriftConfig     `mapstructure:"drift"`
	Promotion PromotionConfig `mapstructure:"promotion"`
	Safeguard SafeguardConfig `mapstructure:"safeguard"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Training  TrainingConfig  `mapstructure:"training"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

// FeaturesConfig controls the feature builder.
type FeaturesConfig struct {
	// SnapshotQuantile picks the snapshot date from the order-timestamp
	// distribution; the remainder is the held-out future window.
	SnapshotQuantile float64 `mapstructure:"snapshot_quantile"`
	MinHistoryDays   int     `mapstructure:"min_history_days"`
	ChurnWindowDays  int     `mapstructure:"churn_window_days"`
	CLVHorizonDays   int     `mapstructure:"clv_horizon_days"`
	RollingWindows   []int   `mapstructure:"rolling_windows"`
	RegistryVersion  string  `mapstructure:"registry_version"`
}

// DriftConfig controls drift detection severity.
type DriftConfig struct {
	// PSISevere is inclusive: a score of exactly the threshold trips it.
	PSISevere        float64 `mapstructure:"psi_severe"`
	TVDSevere        float64 `mapstructure:"tvd_severe"`
	PSIBins          int     `mapstructure:"psi_bins"`
	MissingnessAlert float64 `mapstructure:"missingness_alert"`
}

// PromotionConfig parameterizes the champion/challenger policy.
type PromotionConfig struct {
	MinImprovement         float64 `mapstructure:"min_improvement"`
	MaxSecondaryRegression float64 `mapstructure:"max_secondary_regression"`
}

// SafeguardConfig bounds model outputs regardless of model correctness.
type SafeguardConfig struct {
	CLVCeiling float64 `mapstructure:"clv_ceiling"`
}

// SnapshotConfig holds the snapshot builder's documented business constants.
type SnapshotConfig struct {
	// CLVAnnualizationFactor converts the 90-day CLV model output into the
	// external 12-month contract. A business assumption, not a model output.
	CLVAnnualizationFactor float64 `mapstructure:"clv_annualization_factor"`

	HealthWeightRisk       float64 `mapstructure:"health_weight_risk"`
	HealthWeightSpend      float64 `mapstructure:"health_weight_spend"`
	HealthWeightFrequency  float64 `mapstructure:"health_weight_frequency"`
	HealthWeightEngagement float64 `mapstructure:"health_weight_engagement"`

	HighChurnRisk         float64 `mapstructure:"high_churn_risk"`
	HighValueQuantile     float64 `mapstructure:"high_value_quantile"`
	NewCustomerTenureDays float64 `mapstructure:"new_customer_tenure_days"`
	LoyalTenureDays       float64 `mapstructure:"loyal_tenure_days"`
}

// TrainingConfig controls model training.
type TrainingConfig struct {
	TemporalSplitRatio float64 `mapstructure:"temporal_split_ratio"`
	Seed               int64   `mapstructure:"seed"`
	SegmentCount       int     `mapstructure:"segment_count"`
}

// IngestConfig controls raw-data validation.
type IngestConfig struct {
	MaxInvalidTimestampRate float64 `mapstructure:"max_invalid_timestamp_rate"`
}

// Load reads configuration from the given YAML file (optional) plus
// CUSTINTEL_* environment overrides, applies defaults and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CUSTINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration rooted at dataDir. Tests and
// the CLI bootstrap through this.
func Default(dataDir string) *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	cfg.DataDir = dataDir
	cfg.RegistryDir = filepath.Join(dataDir, "feature_registry")
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "v1")
	v.SetDefault("environment", "development")
	v.SetDefault("data_dir", "data")
	v.SetDefault("registry_dir", "configs/feature_registry")

	v.SetDefault("features.snapshot_quantile", 0.8)
	v.SetDefault("features.min_history_days", 30)
	v.SetDefault("features.churn_window_days", 90)
	v.SetDefault("features.clv_horizon_days", 90)
	v.SetDefault("features.rolling_windows", []int{7, 30, 90})
	v.SetDefault("features.registry_version", "v1")

	v.SetDefault("drift.psi_severe", 0.25)
	v.SetDefault("drift.tvd_severe", 0.30)
	v.SetDefault("drift.psi_bins", 10)
	v.SetDefault("drift.missingness_alert", 0.10)

	v.SetDefault("promotion.min_improvement", 0.01)
	v.SetDefault("promotion.max_secondary_regression", 0.05)

	v.SetDefault("safeguard.clv_ceiling", 100000.0)

	v.SetDefault("snapshot.clv_annualization_factor", 4.0)
	v.SetDefault("snapshot.health_weight_risk", 0.40)
	v.SetDefault("snapshot.health_weight_spend", 0.20)
	v.SetDefault("snapshot.health_weight_frequency", 0.20)
	v.SetDefault("snapshot.health_weight_engagement", 0.20)
	v.SetDefault("snapshot.high_churn_risk", 0.70)
	v.SetDefault("snapshot.high_value_quantile", 0.80)
	v.SetDefault("snapshot.new_customer_tenure_days", 30.0)
	v.SetDefault("snapshot.loyal_tenure_days", 365.0)

	v.SetDefault("training.temporal_split_ratio", 0.8)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.segment_count", 4)

	v.SetDefault("ingest.max_invalid_timestamp_rate", 0.001)
}

// Validate rejects configurations that would make pipeline decisions
// meaningless.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Features.SnapshotQuantile <= 0 || c.Features.SnapshotQuantile >= 1 {
		return fmt.Errorf("features.snapshot_quantile must be in (0, 1), got %v", c.Features.SnapshotQuantile)
	}
	if c.Drift.PSISevere <= 0 {
		return fmt.Errorf("drift.psi_severe must be positive, got %v", c.Drift.PSISevere)
	}
	if c.Drift.TVDSevere <= 0 {
		return fmt.Errorf("drift.tvd_severe must be positive, got %v", c.Drift.TVDSevere)
	}
	if c.Drift.PSIBins < 2 {
		return fmt.Errorf("drift.psi_bins must be at least 2, got %d", c.Drift.PSIBins)
	}
	if c.Promotion.MinImprovement < 0 {
		return fmt.Errorf("promotion.min_improvement must be non-negative, got %v", c.Promotion.MinImprovement)
	}
	weights := c.Snapshot.HealthWeightRisk + c.Snapshot.HealthWeightSpend +
		c.Snapshot.HealthWeightFrequency + c.Snapshot.HealthWeightEngagement
	if weights < 0.999 || weights > 1.001 {
		return fmt.Errorf("snapshot health weights must sum to 1, got %v", weights)
	}
	if c.Training.SegmentCount < 2 {
		return fmt.Errorf("training.segment_count must be at least 2, got %d", c.Training.SegmentCount)
	}
	return nil
}

// Path helpers. The directory layout is the external contract of the
// pipeline; every consumer resolves paths through these.

func (c *Config) RawDir() string { return filepath.Join(c.DataDir, "raw") }

func (c *Config) ProcessedDir(family string) string {
	return filepath.Join(c.DataDir, "processed", family)
}

func (c *Config) FeaturePath(family string) string {
	return filepath.Join(c.ProcessedDir(family), "features.csv")
}

func (c *Config) FeatureReportPath() string {
	return filepath.Join(c.DataDir, "processed", "feature_build_report.json")
}

func (c *Config) ModelRegistryDir(family string) string {
	return filepath.Join(c.DataDir, "model_registry", family)
}

func (c *Config) ChampionPath(family string) string {
	return filepath.Join(c.ModelRegistryDir(family), "champion.json")
}

func (c *Config) BaselineStatsPath(family string) string {
	return filepath.Join(c.ModelRegistryDir(family), "baseline_stats.json")
}

func (c *Config) DriftDir(family string) string {
	return filepath.Join(c.DataDir, "monitoring", "drift", family)
}

func (c *Config) KillSwitchPath() string {
	return filepath.Join(c.DataDir, "config", "kill_switches.json")
}

func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots", "customer_snapshot")
}

func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "orchestration", "state_store.json")
}

func (c *Config) PredictionsDir(family string) string {
	return filepath.Join(c.DataDir, "predictions", family)
}

func (c *Config) PredictionLogPath() string {
	return filepath.Join(c.DataDir, "predictions", "predictions.db")
}

func (c *Config) IngestReportPath() string {
	return filepath.Join(c.DataDir, "raw_ingest_report.json")
}
