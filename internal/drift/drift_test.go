package drift

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/table"
)

func numericTable(t *testing.T, offset float64) *table.Table {
	t.Helper()
	const n = 1000
	ids := make([]string, n)
	vals := make([]float64, n)
	segs := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("c%04d", i)
		vals[i] = float64(i) + offset
		segs[i] = fmt.Sprintf("s%d", i%4)
	}
	tbl := table.New()
	require.NoError(t, tbl.AddString("customer_id", ids, nil))
	require.NoError(t, tbl.AddFloat("total_spend", vals, nil))
	require.NoError(t, tbl.AddString("segment_label", segs, nil))
	return tbl
}

func newMonitor(t *testing.T) (*Monitor, *config.Config) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	return NewMonitor(cfg, zaptest.NewLogger(t)), cfg
}

func TestSevereThresholdIsInclusive(t *testing.T) {
	assert.True(t, severeScore(0.25, 0.25))
	assert.False(t, severeScore(0.249999, 0.25))
	assert.True(t, severeScore(0.30, 0.30))
}

func TestStableDistributionIsNotSevere(t *testing.T) {
	m, cfg := newMonitor(t)
	tbl := numericTable(t, 0)
	baseline, err := CaptureBaseline(tbl, "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	report, err := m.Detect("churn", tbl, baseline)
	require.NoError(t, err)
	assert.False(t, report.Severe)
	assert.Less(t, report.Numeric["total_spend"], 0.05)
	assert.InDelta(t, 0, report.Categorical["segment_label"], 1e-9)
}

func TestTiedBinaryColumnIsStableAgainstItself(t *testing.T) {
	// Binary columns collapse the decile edges; the measured baseline bin
	// mass keeps identical data at PSI zero.
	m, cfg := newMonitor(t)
	tbl := table.New()
	n := 100
	ids := make([]string, n)
	flags := make([]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("c%03d", i)
		if i%5 == 0 {
			flags[i] = 1
		}
	}
	require.NoError(t, tbl.AddString("customer_id", ids, nil))
	require.NoError(t, tbl.AddFloat("churn_90d", flags, nil))

	baseline, err := CaptureBaseline(tbl, "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)
	report, err := m.Detect("churn", tbl, baseline)
	require.NoError(t, err)
	assert.False(t, report.Severe)
	assert.InDelta(t, 0, report.Numeric["churn_90d"], 1e-6)
}

func TestShiftedDistributionIsSevere(t *testing.T) {
	m, cfg := newMonitor(t)
	baseline, err := CaptureBaseline(numericTable(t, 0), "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	report, err := m.Detect("churn", numericTable(t, 10000), baseline)
	require.NoError(t, err)
	assert.True(t, report.Severe)
	assert.GreaterOrEqual(t, report.Numeric["total_spend"], 0.25)
	assert.NotEmpty(t, report.Alerts)
}

func TestCategoricalCollapseIsSevere(t *testing.T) {
	m, cfg := newMonitor(t)
	baseline, err := CaptureBaseline(numericTable(t, 0), "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	// Collapse segments onto a single value: the three vanished segments
	// each contribute 0.25 and the surviving one 0.75, so the score is 1.5
	// against a uniform four-way baseline.
	current := numericTable(t, 0)
	n := current.NumRows()
	collapsed := make([]string, n)
	for i := range collapsed {
		collapsed[i] = "s0"
	}
	current.Drop("segment_label")
	require.NoError(t, current.AddString("segment_label", collapsed, nil))

	report, err := m.Detect("churn", current, baseline)
	require.NoError(t, err)
	assert.True(t, report.Severe)
	assert.InDelta(t, 1.5, report.Categorical["segment_label"], 1e-9)
}

func TestModerateCategoricalShiftIsSevere(t *testing.T) {
	m, cfg := newMonitor(t)
	shares := func(a, b int) *table.Table {
		tbl := table.New()
		ids := make([]string, a+b)
		segs := make([]string, a+b)
		for i := range ids {
			ids[i] = fmt.Sprintf("c%04d", i)
			segs[i] = "retained"
			if i >= a {
				segs[i] = "lapsed"
			}
		}
		require.NoError(t, tbl.AddString("customer_id", ids, nil))
		require.NoError(t, tbl.AddString("segment_label", segs, nil))
		return tbl
	}

	baseline, err := CaptureBaseline(shares(50, 50), "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	// A 50/50 to 70/30 shift sums to |0.7-0.5| + |0.3-0.5| = 0.4, past the
	// 0.3 severity line.
	report, err := m.Detect("churn", shares(70, 30), baseline)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, report.Categorical["segment_label"], 1e-9)
	assert.True(t, report.Severe)
}

func TestMissingnessAlert(t *testing.T) {
	m, cfg := newMonitor(t)
	baseline, err := CaptureBaseline(numericTable(t, 0), "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	current := numericTable(t, 0)
	n := current.NumRows()
	vals := make([]float64, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		vals[i] = float64(i)
		valid[i] = i%5 != 0 // 20% null
	}
	current.Drop("total_spend")
	require.NoError(t, current.AddFloat("total_spend", vals, valid))

	report, err := m.Detect("churn", current, baseline)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, report.Missingness["total_spend"], 1e-9)

	found := false
	for _, a := range report.Alerts {
		if strings.Contains(a, "missingness alert") {
			found = true
		}
	}
	assert.True(t, found, "alerts: %v", report.Alerts)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	m, cfg := newMonitor(t)
	tbl := numericTable(t, 0)
	baseline, err := CaptureBaseline(tbl, "fp", cfg.Drift.PSIBins)
	require.NoError(t, err)

	_, err = m.Detect("clv", tbl, baseline)
	require.NoError(t, err)
	_, err = m.Detect("clv", tbl, baseline)
	require.NoError(t, err)

	var history []*Report
	require.NoError(t, fsutil.ReadJSON(filepath.Join(cfg.DriftDir("clv"), "history.json"), &history))
	assert.Len(t, history, 2)

	_, err = os.Stat(filepath.Join(cfg.DriftDir("clv"), "latest.json"))
	assert.NoError(t, err)
}

func TestBaselineRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "baseline_stats.json")

	missing, err := LoadBaseline(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	stats, err := CaptureBaseline(numericTable(t, 0), "fp-42", 10)
	require.NoError(t, err)
	require.NoError(t, SaveBaseline(path, stats))

	got, err := LoadBaseline(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fp-42", got.Fingerprint)
	assert.Len(t, got.Numeric["total_spend"].Quantiles, 9)
	assert.Len(t, got.Numeric["total_spend"].BinShares, 10)
	assert.Equal(t, 4, len(got.Categorical["segment_label"].ValueCounts))
}

func TestBaselineBinCountFollowsConfig(t *testing.T) {
	stats, err := CaptureBaseline(numericTable(t, 0), "fp", 4)
	require.NoError(t, err)
	assert.Len(t, stats.Numeric["total_spend"].Quantiles, 3)
	assert.Len(t, stats.Numeric["total_spend"].BinShares, 4)

	_, err = CaptureBaseline(numericTable(t, 0), "fp", 1)
	assert.Error(t, err)
}
