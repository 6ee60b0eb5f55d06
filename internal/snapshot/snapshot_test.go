package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/inference"
	"github.com/northwind-analytics/custintel/internal/table"
)

var snapDate = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func baseTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New()
	require.NoError(t, tbl.AddString("customer_id", []string{"c1", "c2", "c3", "c4", "c5"}, nil))
	require.NoError(t, tbl.AddFloat("total_spend", []float64{500, 400, 300, 200, 100}, nil))
	require.NoError(t, tbl.AddFloat("orders_90d", []float64{5, 4, 3, 2, 1}, nil))
	require.NoError(t, tbl.AddFloat("sessions_90d", []float64{10, 8, 6, 4, 2}, nil))
	require.NoError(t, tbl.AddFloat("tenure_days", []float64{400, 200, 20, 365, 30}, nil))
	require.NoError(t, tbl.AddFloat("recency_days", []float64{5, 10, 60, 15, 90}, nil))
	return tbl
}

func preds(t *testing.T, col string, vals []float64) *inference.FamilyResult {
	t.Helper()
	tbl := table.New()
	require.NoError(t, tbl.AddString("customer_id", []string{"c1", "c2", "c3", "c4", "c5"}, nil))
	require.NoError(t, tbl.AddFloat(col, vals, nil))
	return &inference.FamilyResult{Version: 1, Predictions: tbl}
}

func allResults(t *testing.T) map[string]*inference.FamilyResult {
	t.Helper()
	return map[string]*inference.FamilyResult{
		"churn":        preds(t, "churn_score", []float64{0.9, 0.1, 0.65, 0.3, 0.5}),
		"clv":          preds(t, "clv_90d", []float64{1000, 900, 10, 5, 0}),
		"segmentation": preds(t, "segment", []float64{0, 1, 2, 3, 9}),
	}
}

func findRow(t *testing.T, tbl *table.Table, customer string) int {
	t.Helper()
	ids, _, err := tbl.StringValues("customer_id")
	require.NoError(t, err)
	for i, id := range ids {
		if id == customer {
			return i
		}
	}
	t.Fatalf("customer %s not found", customer)
	return -1
}

func strCol(t *testing.T, tbl *table.Table, col string) []string {
	t.Helper()
	vals, _, err := tbl.StringValues(col)
	require.NoError(t, err)
	return vals
}

func floatCol(t *testing.T, tbl *table.Table, col string) []float64 {
	t.Helper()
	vals, _, err := tbl.FloatValues(col)
	require.NoError(t, err)
	return vals
}

func TestBuildMaterializesSnapshot(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))

	snap, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)
	require.Equal(t, 5, snap.NumRows())

	for _, col := range requiredColumns {
		assert.True(t, snap.Has(col), col)
	}

	i1 := findRow(t, snap, "c1")
	clv12 := floatCol(t, snap, "clv_12m")
	assert.InDelta(t, 4000, clv12[i1], 1e-9, "90-day CLV annualized by factor 4")

	labels := strCol(t, snap, "segment_label")
	assert.Equal(t, []string{"Power User", "Loyal Customer", "At Risk", "Hibernating", "Unknown"},
		labels)

	dates := strCol(t, snap, "snapshot_date")
	assert.Equal(t, "2024-03-15", dates[0])

	path := filepath.Join(cfg.SnapshotDir(), "snapshot_date=2024-03-15", "customer_snapshot.csv")
	_, err = os.Stat(path)
	assert.NoError(t, err)

	assert.Equal(t, "run-1", strCol(t, snap, "pipeline_run_id")[0])
	assert.Equal(t, "feat-v1", strCol(t, snap, "feature_version")[0])
	assert.Equal(t, "churn:v1;clv:v1;segmentation:v1", strCol(t, snap, "model_version")[0])

	var lineage Lineage
	require.NoError(t, fsutil.ReadJSON(filepath.Join(cfg.SnapshotDir(), "snapshot_date=2024-03-15", "lineage.json"), &lineage))
	assert.Equal(t, 5, lineage.RowCount)
	assert.Equal(t, "2024-03-15", lineage.SnapshotDate)
	assert.Equal(t, "run-1", lineage.RunID)
	assert.Equal(t, "feat-v1", lineage.FeatureVersion)
	assert.Equal(t, 1, lineage.ModelVersions["churn"])
	assert.Empty(t, lineage.Unavailable)
}

func TestHealthScoresAndBands(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))
	snap, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	health := floatCol(t, snap, "health_score")
	bands := strCol(t, snap, "health_band")

	// 40% inverse churn risk plus 20% each percentile rank of spend,
	// orders and sessions. Customers are ordered by all three ranks.
	assert.InDelta(t, 64, health[0], 1e-9) // risk 0.9, top ranks
	assert.InDelta(t, 84, health[1], 1e-9)
	assert.InDelta(t, 50, health[2], 1e-9)
	assert.InDelta(t, 52, health[3], 1e-9)
	assert.InDelta(t, 32, health[4], 1e-9)

	assert.Equal(t, []string{"Good", "Excellent", "Watch", "Watch", "Critical"}, bands)
}

func TestInvestmentPriorityMatrix(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))
	snap, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	// High-value cut is the 0.8 quantile of clv_12m (3600). c1 is high
	// value and high risk, c3 is at-risk only.
	assert.Equal(t, []string{"save", "low", "monitor", "low", "low"},
		strCol(t, snap, "investment_priority"))
}

func TestBusinessFlags(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))
	snap, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	boolCol := func(col string) []bool {
		c, ok := snap.Col(col)
		require.True(t, ok, col)
		return c.Bool
	}

	assert.Equal(t, []bool{true, false, false, false, false}, boolCol("high_churn_risk_flag"))
	assert.Equal(t, []bool{true, true, false, false, false}, boolCol("high_value_flag"))
	assert.Equal(t, []bool{true, false, false, false, false}, boolCol("at_risk_high_value_flag"))
	assert.Equal(t, []bool{false, false, true, false, true}, boolCol("new_customer_flag"))
	assert.Equal(t, []bool{true, false, false, true, false}, boolCol("loyal_customer_flag"))
}

func TestTrendDeltasAreZeroWithoutPriorSnapshot(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))
	snap, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	for _, col := range []string{
		"churn_probability_delta_7d",
		"churn_probability_delta_30d",
		"clv_delta_30d",
		"health_score_delta_30d",
	} {
		for _, v := range floatCol(t, snap, col) {
			assert.Equal(t, 0.0, v, col)
		}
	}
}

func TestTrendDeltasAgainstPriorSnapshot(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))

	_, err := b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	// c1's churn risk drops 0.9 -> 0.7 and its 90-day CLV rises 1000 -> 1200.
	results := allResults(t)
	results["churn"] = preds(t, "churn_score", []float64{0.7, 0.1, 0.65, 0.3, 0.5})
	results["clv"] = preds(t, "clv_90d", []float64{1200, 900, 10, 5, 0})

	snap, err := b.Build(baseTable(t), results, snapDate.AddDate(0, 0, 30), "run-2", "feat-v1")
	require.NoError(t, err)

	i1 := findRow(t, snap, "c1")
	churnDelta := floatCol(t, snap, "churn_probability_delta_30d")
	clvDelta := floatCol(t, snap, "clv_delta_30d")
	healthDelta := floatCol(t, snap, "health_score_delta_30d")

	assert.InDelta(t, -0.2, churnDelta[i1], 1e-9)
	// Annualized: 4800 now against 4000 before.
	assert.InDelta(t, 800, clvDelta[i1], 1e-9)
	// Only the 40%-weighted risk term moved: 0.4 * (0.9 - 0.7) * 100.
	assert.InDelta(t, 8, healthDelta[i1], 1e-9)

	// Unchanged customers carry zero deltas.
	i2 := findRow(t, snap, "c2")
	assert.InDelta(t, 0, churnDelta[i2], 1e-9)
	assert.InDelta(t, 0, clvDelta[i2], 1e-9)
	assert.InDelta(t, 0, healthDelta[i2], 1e-9)

	// The 7-day delta stays an explicit zero.
	for _, v := range floatCol(t, snap, "churn_probability_delta_7d") {
		assert.Equal(t, 0.0, v)
	}
}

func TestDisabledFamilyYieldsNullScoresNotFailure(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))

	results := allResults(t)
	results["churn"] = &inference.FamilyResult{
		Version: 2, Disabled: true, Note: "model type \"churn\" disabled by kill switch",
		Predictions: table.New(),
	}

	snap, err := b.Build(baseTable(t), results, snapDate, "run-1", "feat-v1")
	require.NoError(t, err)

	_, valid, err := snap.FloatValues("churn_probability")
	require.NoError(t, err)
	for _, ok := range valid {
		assert.False(t, ok, "blocked family scores stay null")
	}

	// Without churn scores nothing qualifies as at-risk.
	for _, p := range strCol(t, snap, "investment_priority") {
		assert.Contains(t, []string{"grow", "low"}, p)
	}

	var lineage Lineage
	require.NoError(t, fsutil.ReadJSON(filepath.Join(cfg.SnapshotDir(), "snapshot_date=2024-03-15", "lineage.json"), &lineage))
	assert.Contains(t, lineage.Unavailable["churn"], "kill switch")
}

func TestBuildFailsBeforeWritingWhenBaseIsIncomplete(t *testing.T) {
	cfg := config.Default(t.TempDir())
	b := NewBuilder(cfg, zaptest.NewLogger(t))

	incomplete := baseTable(t)
	incomplete.Drop("sessions_90d")

	_, err := b.Build(incomplete, allResults(t), snapDate, "run-1", "feat-v1")
	require.Error(t, err)

	_, statErr := os.Stat(cfg.SnapshotDir())
	assert.True(t, os.IsNotExist(statErr), "nothing may be written on failure")
}

func TestReaderContract(t *testing.T) {
	cfg := config.Default(t.TempDir())
	r := NewReader(cfg.SnapshotDir())

	tbl, date, err := r.Latest()
	require.NoError(t, err)
	assert.Nil(t, tbl, "no snapshot yet is a normal state")
	assert.Empty(t, date)

	row, err := r.Customer("c1")
	require.NoError(t, err)
	assert.Nil(t, row)

	b := NewBuilder(cfg, zaptest.NewLogger(t))
	_, err = b.Build(baseTable(t), allResults(t), snapDate, "run-1", "feat-v1")
	require.NoError(t, err)
	_, err = b.Build(baseTable(t), allResults(t), snapDate.AddDate(0, 0, 7), "run-2", "feat-v1")
	require.NoError(t, err)

	dates, err := r.Dates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03-15", "2024-03-22"}, dates)

	tbl, date, err = r.Latest()
	require.NoError(t, err)
	require.NotNil(t, tbl)
	assert.Equal(t, "2024-03-22", date)
	assert.Equal(t, 5, tbl.NumRows())

	row, err = r.Customer("c3")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "At Risk", row["segment_label"])
	assert.Equal(t, "monitor", row["investment_priority"])

	missing, err := r.Customer("nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
