// Package snapshot materializes the customer snapshot: one denormalized
// row per customer joining behavioral features with model scores, health
// scoring and business flags. The snapshot is the only surface downstream
// consumers read.
package snapshot

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/inference"
	"github.com/northwind-analytics/custintel/internal/table"
)

// requiredColumns is the snapshot's external schema contract. The gate
// runs before anything is written: a snapshot missing any of these must
// never reach disk.
var requiredColumns = []string{
	"customer_id",
	"snapshot_date",
	"churn_probability",
	"clv_90d",
	"clv_12m",
	"segment_label",
	"segment_confidence",
	"health_score",
	"health_band",
	"investment_priority",
	"high_churn_risk_flag",
	"high_value_flag",
	"at_risk_high_value_flag",
	"new_customer_flag",
	"loyal_customer_flag",
	"churn_probability_delta_7d",
	"churn_probability_delta_30d",
	"clv_delta_30d",
	"health_score_delta_30d",
	"total_spend",
	"orders_90d",
	"sessions_90d",
	"tenure_days",
	"recency_days",
	"data_completeness_score",
	"feature_version",
	"model_version",
	"pipeline_run_id",
}

// segmentLabels maps k-means cluster indices to their business names.
var segmentLabels = map[int]string{
	0: "Power User",
	1: "Loyal Customer",
	2: "At Risk",
	3: "Hibernating",
}

// Health bands, inclusive lower bounds on a 0-100 score.
const (
	bandExcellent = "Excellent"
	bandGood      = "Good"
	bandWatch     = "Watch"
	bandCritical  = "Critical"
)

// Lineage is the metadata document persisted next to each snapshot.
type Lineage struct {
	SnapshotDate   string            `json:"snapshot_date"`
	GeneratedAt    time.Time         `json:"generated_at"`
	RowCount       int               `json:"row_count"`
	RunID          string            `json:"pipeline_run_id"`
	FeatureVersion string            `json:"feature_version"`
	ModelVersions  map[string]int    `json:"model_versions"`
	Unavailable    map[string]string `json:"unavailable_families,omitempty"`
	Fingerprint    string            `json:"fingerprint"`
}

// Builder assembles and persists customer snapshots.
type Builder struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewBuilder returns a snapshot builder.
func NewBuilder(cfg *config.Config, logger *zap.Logger) *Builder {
	return &Builder{cfg: cfg, logger: logger}
}

// Build joins base features with model scores and persists the snapshot
// under snapshot_date=<DATE>/. Families whose inference was unavailable
// contribute null scores; the snapshot still materializes. runID and
// featureVersion stamp every row so it traces back to its pipeline run.
func (b *Builder) Build(base *table.Table, results map[string]*inference.FamilyResult, snapshotDate time.Time, runID, featureVersion string) (*table.Table, error) {
	started := time.Now()
	sc := b.cfg.Snapshot
	dateStr := snapshotDate.UTC().Format("2006-01-02")

	snap, err := base.Select("customer_id", "total_spend", "orders_90d", "sessions_90d", "tenure_days", "recency_days")
	if err != nil {
		return nil, fmt.Errorf("snapshot base columns: %w", err)
	}
	n := snap.NumRows()
	completeness := base.CompletenessScores()

	dates := make([]string, n)
	for i := range dates {
		dates[i] = dateStr
	}
	if err := snap.AddString("snapshot_date", dates, nil); err != nil {
		return nil, err
	}

	unavailable := make(map[string]string)
	versions := make(map[string]int)
	for family, res := range results {
		versions[family] = res.Version
		if res.Disabled {
			unavailable[family] = res.Note
		}
	}

	step := func(name string) func() {
		t0 := time.Now()
		return func() {
			b.logger.Debug("snapshot step", zap.String("step", name), zap.Duration("elapsed", time.Since(t0)))
		}
	}

	done := step("join_scores")
	if err := b.joinScores(snap, results); err != nil {
		return nil, err
	}
	done()

	done = step("derive_value_fields")
	churnProb, churnValid, err := snap.FloatValues("churn_probability")
	if err != nil {
		return nil, err
	}
	clv90, clvValid, err := snap.FloatValues("clv_90d")
	if err != nil {
		return nil, err
	}
	clv12 := make([]float64, n)
	for i := range clv12 {
		if clvValid[i] {
			clv12[i] = clv90[i] * sc.CLVAnnualizationFactor
		}
	}
	if err := snap.AddFloat("clv_12m", clv12, cloneMask(clvValid)); err != nil {
		return nil, err
	}
	done()

	done = step("segment_labels")
	if err := b.labelSegments(snap); err != nil {
		return nil, err
	}
	done()

	done = step("health_score")
	totalSpend, _, err := snap.FloatValues("total_spend")
	if err != nil {
		return nil, err
	}
	orders90, _, err := snap.FloatValues("orders_90d")
	if err != nil {
		return nil, err
	}
	sessions90, _, err := snap.FloatValues("sessions_90d")
	if err != nil {
		return nil, err
	}

	spendRank := percentileRanks(totalSpend)
	orderRank := percentileRanks(orders90)
	sessionRank := percentileRanks(sessions90)

	health := make([]float64, n)
	bands := make([]string, n)
	for i := 0; i < n; i++ {
		risk := 0.5
		if churnValid[i] {
			risk = churnProb[i]
		}
		health[i] = sc.HealthWeightRisk*(1-risk)*100 +
			sc.HealthWeightSpend*spendRank[i] +
			sc.HealthWeightFrequency*orderRank[i] +
			sc.HealthWeightEngagement*sessionRank[i]
		bands[i] = healthBand(health[i])
	}
	if err := snap.AddFloat("health_score", health, nil); err != nil {
		return nil, err
	}
	if err := snap.AddString("health_band", bands, nil); err != nil {
		return nil, err
	}
	done()

	done = step("priorities_and_flags")
	highValueCut := quantile(clv12, sc.HighValueQuantile)
	tenure, _, err := snap.FloatValues("tenure_days")
	if err != nil {
		return nil, err
	}

	priority := make([]string, n)
	highChurn := make([]bool, n)
	highValue := make([]bool, n)
	atRiskHighValue := make([]bool, n)
	newCustomer := make([]bool, n)
	loyal := make([]bool, n)
	for i := 0; i < n; i++ {
		risk := churnValid[i] && churnProb[i] > 0.6
		value := clvValid[i] && clv12[i] > highValueCut
		switch {
		case value && risk:
			priority[i] = "save"
		case value:
			priority[i] = "grow"
		case risk:
			priority[i] = "monitor"
		default:
			priority[i] = "low"
		}

		highChurn[i] = churnValid[i] && churnProb[i] >= sc.HighChurnRisk
		highValue[i] = clvValid[i] && clv12[i] >= highValueCut
		atRiskHighValue[i] = highChurn[i] && highValue[i]
		newCustomer[i] = tenure[i] <= sc.NewCustomerTenureDays
		loyal[i] = tenure[i] >= sc.LoyalTenureDays
	}
	for _, add := range []error{
		snap.AddString("investment_priority", priority, nil),
		snap.AddBool("high_churn_risk_flag", highChurn, nil),
		snap.AddBool("high_value_flag", highValue, nil),
		snap.AddBool("at_risk_high_value_flag", atRiskHighValue, nil),
		snap.AddBool("new_customer_flag", newCustomer, nil),
		snap.AddBool("loyal_customer_flag", loyal, nil),
	} {
		if add != nil {
			return nil, add
		}
	}
	done()

	done = step("trends")
	prior, priorDate := b.priorScores(dateStr)
	if priorDate == "" {
		b.logger.Info("no prior snapshot, trend deltas reported as zero",
			zap.String("snapshot_date", dateStr))
	}
	ids, _, err := snap.StringValues("customer_id")
	if err != nil {
		return nil, err
	}
	// 7-day churn deltas need snapshot history at a weekly cadence, which
	// the batch schedule does not guarantee yet. Reported as zero so the
	// column contract holds.
	delta7 := make([]float64, n)
	churnDelta := make([]float64, n)
	clvDelta := make([]float64, n)
	healthDelta := make([]float64, n)
	for i, id := range ids {
		if v, ok := prior.churn[id]; ok && churnValid[i] {
			churnDelta[i] = churnProb[i] - v
		}
		if v, ok := prior.clv[id]; ok && clvValid[i] {
			clvDelta[i] = clv12[i] - v
		}
		if v, ok := prior.health[id]; ok {
			healthDelta[i] = health[i] - v
		}
	}
	for _, add := range []error{
		snap.AddFloat("churn_probability_delta_7d", delta7, nil),
		snap.AddFloat("churn_probability_delta_30d", churnDelta, nil),
		snap.AddFloat("clv_delta_30d", clvDelta, nil),
		snap.AddFloat("health_score_delta_30d", healthDelta, nil),
	} {
		if add != nil {
			return nil, add
		}
	}
	if err := snap.AddFloat("data_completeness_score", completeness, nil); err != nil {
		return nil, err
	}
	done()

	done = step("run_metadata")
	runIDs := make([]string, n)
	featureVersions := make([]string, n)
	modelVersions := make([]string, n)
	versionTag := modelVersionTag(versions)
	for i := 0; i < n; i++ {
		runIDs[i] = runID
		featureVersions[i] = featureVersion
		modelVersions[i] = versionTag
	}
	for _, add := range []error{
		snap.AddString("pipeline_run_id", runIDs, nil),
		snap.AddString("feature_version", featureVersions, nil),
		snap.AddString("model_version", modelVersions, nil),
	} {
		if add != nil {
			return nil, add
		}
	}
	done()

	// Schema gate: verify every contract column before any write.
	for _, col := range requiredColumns {
		if !snap.Has(col) {
			return nil, fmt.Errorf("snapshot schema gate: missing required column %q", col)
		}
	}

	dir := filepath.Join(b.cfg.SnapshotDir(), "snapshot_date="+dateStr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := snap.WriteCSV(filepath.Join(dir, "customer_snapshot.csv")); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	lineage := Lineage{
		SnapshotDate:   dateStr,
		GeneratedAt:    time.Now().UTC(),
		RowCount:       n,
		RunID:          runID,
		FeatureVersion: featureVersion,
		ModelVersions:  versions,
		Unavailable:    unavailable,
		Fingerprint:    snap.Fingerprint(),
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "lineage.json"), lineage); err != nil {
		return nil, err
	}

	b.logger.Info("snapshot materialized",
		zap.String("snapshot_date", dateStr),
		zap.Int("customers", n),
		zap.Int("unavailable_families", len(unavailable)),
		zap.Duration("elapsed", time.Since(started)))
	return snap, nil
}

// joinScores left-joins each family's predictions, leaving nulls where a
// family was unavailable or a customer went unscored.
func (b *Builder) joinScores(snap *table.Table, results map[string]*inference.FamilyResult) error {
	n := snap.NumRows()

	joinFloat := func(res *inference.FamilyResult, srcCol, dstCol string) error {
		vals := make([]float64, n)
		valid := make([]bool, n)
		if res != nil && !res.Disabled && res.Predictions.NumRows() > 0 {
			ids, _, err := res.Predictions.StringValues("customer_id")
			if err != nil {
				return err
			}
			scores, _, err := res.Predictions.FloatValues(srcCol)
			if err != nil {
				return err
			}
			byID := make(map[string]float64, len(ids))
			for i, id := range ids {
				byID[id] = scores[i]
			}
			snapIDs, _, err := snap.StringValues("customer_id")
			if err != nil {
				return err
			}
			for i, id := range snapIDs {
				if v, ok := byID[id]; ok {
					vals[i] = v
					valid[i] = true
				}
			}
		}
		return snap.AddFloat(dstCol, vals, valid)
	}

	if err := joinFloat(results["churn"], "churn_score", "churn_probability"); err != nil {
		return err
	}
	if err := joinFloat(results["clv"], "clv_90d", "clv_90d"); err != nil {
		return err
	}
	return joinFloat(results["segmentation"], "segment", "segment_index")
}

// priorScoreMaps holds the previous snapshot's scores keyed by customer.
type priorScoreMaps struct {
	churn  map[string]float64
	clv    map[string]float64
	health map[string]float64
}

// priorScores loads the most recent snapshot strictly before the given
// date. A missing or unreadable prior degrades to zero deltas, never a
// failed build.
func (b *Builder) priorScores(before string) (priorScoreMaps, string) {
	reader := NewReader(b.cfg.SnapshotDir())
	dates, err := reader.Dates()
	if err != nil {
		b.logger.Warn("could not list prior snapshots", zap.Error(err))
		return priorScoreMaps{}, ""
	}
	priorDate := ""
	for _, d := range dates {
		if d < before {
			priorDate = d
		}
	}
	if priorDate == "" {
		return priorScoreMaps{}, ""
	}
	prev, err := reader.ForDate(priorDate)
	if err != nil {
		b.logger.Warn("could not read prior snapshot",
			zap.String("snapshot_date", priorDate), zap.Error(err))
		return priorScoreMaps{}, ""
	}

	ids, _, err := prev.StringValues("customer_id")
	if err != nil {
		b.logger.Warn("prior snapshot has no customer ids", zap.Error(err))
		return priorScoreMaps{}, ""
	}
	byID := func(col string) map[string]float64 {
		if !prev.Has(col) {
			return nil
		}
		vals, valid, err := prev.FloatValues(col)
		if err != nil {
			return nil
		}
		m := make(map[string]float64, len(ids))
		for i, id := range ids {
			if valid[i] {
				m[id] = vals[i]
			}
		}
		return m
	}
	return priorScoreMaps{
		churn:  byID("churn_probability"),
		clv:    byID("clv_12m"),
		health: byID("health_score"),
	}, priorDate
}

// modelVersionTag renders the serving versions as one stable string,
// families in sorted order.
func modelVersionTag(versions map[string]int) string {
	families := make([]string, 0, len(versions))
	for f := range versions {
		families = append(families, f)
	}
	sort.Strings(families)
	parts := make([]string, len(families))
	for i, f := range families {
		parts[i] = fmt.Sprintf("%s:v%d", f, versions[f])
	}
	return strings.Join(parts, ";")
}

// labelSegments converts joined segment indices into business labels with
// a flat confidence of 1: k-means gives hard assignments.
func (b *Builder) labelSegments(snap *table.Table) error {
	n := snap.NumRows()
	idx, valid, err := snap.FloatValues("segment_index")
	if err != nil {
		return err
	}

	labels := make([]string, n)
	confidence := make([]float64, n)
	for i := 0; i < n; i++ {
		if !valid[i] {
			labels[i] = "Unknown"
			continue
		}
		label, ok := segmentLabels[int(idx[i])]
		if !ok {
			label = "Unknown"
		}
		labels[i] = label
		confidence[i] = 1.0
	}
	snap.Drop("segment_index")
	if err := snap.AddString("segment_label", labels, nil); err != nil {
		return err
	}
	return snap.AddFloat("segment_confidence", confidence, nil)
}

func healthBand(score float64) string {
	switch {
	case score >= 80:
		return bandExcellent
	case score >= 60:
		return bandGood
	case score >= 40:
		return bandWatch
	default:
		return bandCritical
	}
}

// percentileRanks maps each value to the share of values at or below it,
// scaled 0-100.
func percentileRanks(vals []float64) []float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := float64(len(sorted))
	out := make([]float64, len(vals))
	for i, v := range vals {
		// Index just past the last element <= v.
		hi := sort.SearchFloat64s(sorted, math.Nextafter(v, math.Inf(1)))
		out[i] = float64(hi) / n * 100
	}
	return out
}

func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

func cloneMask(mask []bool) []bool {
	return append([]bool(nil), mask...)
}
