// Package features turns validated raw tables into per-family feature
// tables, enforcing the feature-registry contract and a leakage guard on
// every merge.
package features

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/ingest"
	"github.com/northwind-analytics/custintel/internal/registry"
	"github.com/northwind-analytics/custintel/internal/table"
)

// Families enumerates the model families, in build order.
var Families = []string{"churn", "clv", "segmentation"}

// ErrRowCountChanged is the leakage guard: a merge that changes the row
// count indicates a join bug or duplicate keys, and the whole build aborts
// rather than persist silently-corrupt features.
var ErrRowCountChanged = errors.New("row count changed across merge")

// Builder builds and persists the per-family feature tables.
type Builder struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewBuilder returns a feature builder.
func NewBuilder(cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// Result is what a successful build hands back to the orchestrator.
type Result struct {
	SnapshotDate time.Time
	// Fingerprint is the canonical content hash of the base feature table;
	// the retrain decision keys off it.
	Fingerprint string
	Tables      map[string]*table.Table
	Base        *table.Table
}

type processStep struct {
	Step      string         `json:"step"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type buildReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Status      string        `json:"status"`
	ProcessLog  []processStep `json:"process_log"`
	ErrorType   string        `json:"error_type,omitempty"`
	Error       string        `json:"error_message,omitempty"`
}

// Build runs the full feature pipeline. The structured process report is
// persisted on success and on failure, so post-mortems always have the step
// trail.
func (b *Builder) Build(data *ingest.RawData) (*Result, error) {
	report := &buildReport{GeneratedAt: time.Now().UTC(), Status: "failed"}
	log := func(step, status string, details map[string]any) {
		report.ProcessLog = append(report.ProcessLog, processStep{
			Step: step, Status: status, Timestamp: time.Now().UTC(), Details: details,
		})
	}

	result, err := b.build(data, log)
	if err != nil {
		report.ErrorType = fmt.Sprintf("%T", err)
		report.Error = err.Error()
		if werr := fsutil.WriteJSONAtomic(b.cfg.FeatureReportPath(), report); werr != nil {
			b.logger.Error("failed to persist feature build report", zap.Error(werr))
		}
		return nil, err
	}

	report.Status = "success"
	if werr := fsutil.WriteJSONAtomic(b.cfg.FeatureReportPath(), report); werr != nil {
		b.logger.Error("failed to persist feature build report", zap.Error(werr))
	}
	return result, nil
}

func (b *Builder) build(data *ingest.RawData, log func(string, string, map[string]any)) (*Result, error) {
	fc := b.cfg.Features

	log("snapshot_date", "started", nil)
	snapshot, err := SnapshotDate(data.Orders, fc.SnapshotQuantile, fc.MinHistoryDays)
	if err != nil {
		return nil, err
	}
	log("snapshot_date", "completed", map[string]any{"snapshot_date": snapshot.Format(time.RFC3339)})

	base, err := baseTable(data.Customers)
	if err != nil {
		return nil, err
	}
	baseRows := base.NumRows()

	log("base_aggregations", "started", nil)
	for _, merge := range []struct {
		name  string
		build func() (*table.Table, error)
	}{
		{"orders", func() (*table.Table, error) { return aggregateOrders(data.Orders, snapshot) }},
		{"sessions", func() (*table.Table, error) { return aggregateSessions(data.Sessions, snapshot) }},
		{"returns", func() (*table.Table, error) { return aggregateReturns(data.Returns, snapshot) }},
	} {
		agg, err := merge.build()
		if err != nil {
			return nil, err
		}
		base, err = base.LeftJoin(agg, "customer_id")
		if err != nil {
			return nil, fmt.Errorf("merge %s aggregates: %w", merge.name, err)
		}
		if base.NumRows() != baseRows {
			return nil, fmt.Errorf("%w: after %s aggregates (%d -> %d)",
				ErrRowCountChanged, merge.name, baseRows, base.NumRows())
		}
	}
	log("base_aggregations", "completed", map[string]any{"rows": base.NumRows()})

	log("temporal_features", "started", nil)
	if err := addTemporalFeatures(base, snapshot); err != nil {
		return nil, err
	}
	log("temporal_features", "completed", nil)

	log("rolling_features", "started", nil)
	rollingOrders, err := rollingOrderFeatures(data.Orders, snapshot, fc.RollingWindows)
	if err != nil {
		return nil, err
	}
	base, err = base.LeftJoin(rollingOrders, "customer_id")
	if err != nil {
		return nil, fmt.Errorf("merge rolling order features: %w", err)
	}
	rollingSessions, err := rollingSessionFeatures(data.Sessions, snapshot, fc.RollingWindows)
	if err != nil {
		return nil, err
	}
	base, err = base.LeftJoin(rollingSessions, "customer_id")
	if err != nil {
		return nil, fmt.Errorf("merge rolling session features: %w", err)
	}
	if base.NumRows() != baseRows {
		return nil, fmt.Errorf("%w: after rolling features (%d -> %d)",
			ErrRowCountChanged, baseRows, base.NumRows())
	}
	log("rolling_features", "completed", map[string]any{"rows": base.NumRows()})

	log("numeric_safety", "started", nil)
	numericSafety(base)
	log("numeric_safety", "completed", nil)

	log("targets", "started", nil)
	ids, _, err := base.StringValues("customer_id")
	if err != nil {
		return nil, err
	}
	churn := churnTarget(data.Orders, snapshot, fc.ChurnWindowDays)
	churnCol := make([]float64, len(ids))
	for i, id := range ids {
		churnCol[i] = churn(id)
	}
	clv := clvTarget(data.Orders, snapshot, fc.CLVHorizonDays)
	clvCol := make([]float64, len(ids))
	for i, id := range ids {
		clvCol[i] = clv(id)
	}
	log("targets", "completed", nil)

	tables := make(map[string]*table.Table, len(Families))
	for _, family := range Families {
		log(family+"_features", "started", nil)
		candidate := base.Clone()
		switch family {
		case "churn":
			if err := candidate.AddFloat("churn_90d", churnCol, nil); err != nil {
				return nil, err
			}
		case "clv":
			if err := candidate.AddFloat("future_90d_spend", clvCol, nil); err != nil {
				return nil, err
			}
		}

		reg, err := registry.Load(b.cfg.RegistryDir, family, fc.RegistryVersion)
		if err != nil {
			return nil, err
		}
		selected, err := candidate.Select(reg.FeatureNames()...)
		if err != nil {
			return nil, &registry.Violation{Family: family, Detail: err.Error()}
		}
		if err := reg.Validate(selected); err != nil {
			return nil, err
		}

		if err := b.persist(family, selected); err != nil {
			return nil, err
		}
		tables[family] = selected
		log(family+"_features", "completed", map[string]any{"output": b.cfg.FeaturePath(family)})
	}

	// The base table backs the snapshot builder's behavioral columns.
	if err := b.persist("base", base); err != nil {
		return nil, err
	}

	return &Result{
		SnapshotDate: snapshot,
		Fingerprint:  base.Fingerprint(),
		Tables:       tables,
		Base:         base,
	}, nil
}

func (b *Builder) persist(family string, t *table.Table) error {
	dir := b.cfg.ProcessedDir(family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := t.WriteCSV(b.cfg.FeaturePath(family)); err != nil {
		return fmt.Errorf("persist %s features: %w", family, err)
	}
	return nil
}

func baseTable(customers []ingest.Customer) (*table.Table, error) {
	ids := make([]string, len(customers))
	signup := make([]time.Time, len(customers))
	for i, c := range customers {
		ids[i] = c.CustomerID
		signup[i] = c.SignupDate
	}
	t := table.New()
	if err := t.AddString("customer_id", ids, nil); err != nil {
		return nil, err
	}
	if err := t.AddTime("signup_date", signup, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// addTemporalFeatures derives tenure, recency and frequency ratios from the
// lifetime aggregates already merged into base.
func addTemporalFeatures(base *table.Table, snapshot time.Time) error {
	n := base.NumRows()
	signupCol, _ := base.Col("signup_date")
	lastOrderCol, _ := base.Col("last_order_ts")
	orderCountCol, _ := base.Col("order_count")
	sessionCountCol, _ := base.Col("session_count")
	returnCountCol, _ := base.Col("return_count")
	if signupCol == nil || lastOrderCol == nil || orderCountCol == nil ||
		sessionCountCol == nil || returnCountCol == nil {
		return fmt.Errorf("temporal features: base table missing aggregate columns")
	}

	tenure := make([]float64, n)
	recency := make([]float64, n)
	recencyValid := make([]bool, n)
	orderFreq := make([]float64, n)
	sessionFreq := make([]float64, n)
	returnRate := make([]float64, n)
	for i := 0; i < n; i++ {
		tenure[i] = math.Max(0, daysBetween(signupCol.Time[i], snapshot))
		if lastOrderCol.IsValid(i) {
			recency[i] = math.Max(0, daysBetween(lastOrderCol.Time[i], snapshot))
			recencyValid[i] = true
		}
		tenureFloor := math.Max(1, tenure[i])
		orders, sessions, returns := 0.0, 0.0, 0.0
		if orderCountCol.IsValid(i) {
			orders = orderCountCol.Float[i]
		}
		if sessionCountCol.IsValid(i) {
			sessions = sessionCountCol.Float[i]
		}
		if returnCountCol.IsValid(i) {
			returns = returnCountCol.Float[i]
		}
		orderFreq[i] = orders / tenureFloor
		sessionFreq[i] = sessions / tenureFloor
		returnRate[i] = returns / math.Max(1, orders)
	}

	for _, step := range []error{
		base.AddFloat("tenure_days", tenure, nil),
		base.AddFloat("recency_days", recency, recencyValid),
		base.AddFloat("order_frequency", orderFreq, nil),
		base.AddFloat("session_frequency", sessionFreq, nil),
		base.AddFloat("return_rate", returnRate, nil),
	} {
		if step != nil {
			return fmt.Errorf("temporal features: %w", step)
		}
	}
	return nil
}

func daysBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24
}

// numericSafety replaces nulls, NaN and infinities in float columns with
// zero so downstream math never trips on missing aggregates.
func numericSafety(t *table.Table) {
	for _, name := range t.Columns() {
		c, _ := t.Col(name)
		if c.Kind != table.Float {
			continue
		}
		for i := range c.Float {
			if !c.IsValid(i) || math.IsNaN(c.Float[i]) || math.IsInf(c.Float[i], 0) {
				c.Float[i] = 0
			}
		}
		c.Valid = nil
	}
}
