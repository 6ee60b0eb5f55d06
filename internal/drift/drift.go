// Package drift compares current feature distributions against the
// baseline captured when the serving champion was promoted. Numeric columns
// are scored with PSI, categorical columns with the summed absolute
// difference in value shares, and null rates are tracked separately as
// missingness alerts.
package drift

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
	"github.com/northwind-analytics/custintel/internal/table"
)

// psiEpsilon keeps the PSI log term finite for empty bins.
const psiEpsilon = 1e-6

// quantileEdges returns the interior quantile levels splitting [0,1] into
// bins equal-mass intervals.
func quantileEdges(bins int) []float64 {
	edges := make([]float64, bins-1)
	for i := range edges {
		edges[i] = float64(i+1) / float64(bins)
	}
	return edges
}

// NumericBaseline summarizes one numeric column at capture time. BinShares
// is the baseline's own mass per quantile bin: for discrete or heavily tied
// columns the decile edges collapse, so the expected distribution must be
// measured, not assumed uniform.
type NumericBaseline struct {
	Quantiles []float64 `json:"quantiles"`
	BinShares []float64 `json:"bin_shares"`
	NullRate  float64   `json:"null_rate"`
}

// CategoricalBaseline summarizes one categorical column at capture time.
type CategoricalBaseline struct {
	ValueCounts map[string]int `json:"value_counts"`
	NullRate    float64        `json:"null_rate"`
}

// BaselineStats is the persisted reference distribution for one family,
// captured from the exact dataset the champion was trained on.
type BaselineStats struct {
	CapturedAt  time.Time                      `json:"captured_at"`
	Fingerprint string                         `json:"dataset_fingerprint"`
	Numeric     map[string]NumericBaseline     `json:"numeric"`
	Categorical map[string]CategoricalBaseline `json:"categorical"`
}

// CaptureBaseline summarizes every non-identity column of the feature
// table. Float columns become quantile baselines over bins equal-mass
// intervals, string columns become value counts.
func CaptureBaseline(t *table.Table, fingerprint string, bins int) (*BaselineStats, error) {
	if bins < 2 {
		return nil, fmt.Errorf("baseline capture needs at least 2 bins, got %d", bins)
	}
	stats := &BaselineStats{
		CapturedAt:  time.Now().UTC(),
		Fingerprint: fingerprint,
		Numeric:     make(map[string]NumericBaseline),
		Categorical: make(map[string]CategoricalBaseline),
	}
	for _, name := range t.Columns() {
		if name == "customer_id" {
			continue
		}
		col, _ := t.Col(name)
		switch col.Kind {
		case table.Float:
			vals, valid, err := t.FloatValues(name)
			if err != nil {
				return nil, err
			}
			var present []float64
			nulls := 0
			for i, v := range vals {
				if valid[i] && !math.IsNaN(v) {
					present = append(present, v)
				} else {
					nulls++
				}
			}
			if len(present) == 0 {
				continue
			}
			sort.Float64s(present)
			levels := quantileEdges(bins)
			qs := make([]float64, len(levels))
			for i, q := range levels {
				qs[i] = stat.Quantile(q, stat.Empirical, present, nil)
			}
			stats.Numeric[name] = NumericBaseline{
				Quantiles: qs,
				BinShares: binShares(qs, present),
				NullRate:  float64(nulls) / float64(len(vals)),
			}
		case table.String:
			vals, valid, err := t.StringValues(name)
			if err != nil {
				return nil, err
			}
			counts := make(map[string]int)
			nulls := 0
			for i, v := range vals {
				if !valid[i] {
					nulls++
					continue
				}
				counts[v]++
			}
			stats.Categorical[name] = CategoricalBaseline{
				ValueCounts: counts,
				NullRate:    float64(nulls) / float64(len(vals)),
			}
		}
	}
	return stats, nil
}

// Report is the outcome of one drift check for one family.
type Report struct {
	Family      string             `json:"family"`
	CheckedAt   time.Time          `json:"checked_at"`
	Numeric     map[string]float64 `json:"numeric_psi"`
	Categorical map[string]float64 `json:"categorical_tvd"`
	Missingness map[string]float64 `json:"missingness"`
	Alerts      []string           `json:"alerts,omitempty"`
	Severe      bool               `json:"severe"`
}

// Monitor scores current feature tables against persisted baselines.
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewMonitor returns a drift monitor.
func NewMonitor(cfg *config.Config, logger *zap.Logger) *Monitor {
	return &Monitor{cfg: cfg, logger: logger}
}

// Detect scores current against baseline and persists both the
// point-in-time report and an entry in the family's append-only history.
// Severity is inclusive: a score exactly at threshold is severe.
func (m *Monitor) Detect(family string, current *table.Table, baseline *BaselineStats) (*Report, error) {
	dc := m.cfg.Drift
	report := &Report{
		Family:      family,
		CheckedAt:   time.Now().UTC(),
		Numeric:     make(map[string]float64),
		Categorical: make(map[string]float64),
		Missingness: make(map[string]float64),
	}

	for name, nb := range baseline.Numeric {
		if !current.Has(name) {
			report.Alerts = append(report.Alerts, fmt.Sprintf("numeric column %q missing from current data", name))
			report.Severe = true
			continue
		}
		vals, valid, err := current.FloatValues(name)
		if err != nil {
			return nil, err
		}
		var present []float64
		nulls := 0
		for i, v := range vals {
			if valid[i] && !math.IsNaN(v) {
				present = append(present, v)
			} else {
				nulls++
			}
		}
		nullRate := float64(nulls) / float64(len(vals))
		report.Missingness[name] = nullRate
		if nullRate >= dc.MissingnessAlert && nullRate > nb.NullRate {
			report.Alerts = append(report.Alerts, fmt.Sprintf(
				"missingness alert on %q: %.2f%% null (baseline %.2f%%)", name, nullRate*100, nb.NullRate*100))
		}
		if len(present) == 0 {
			continue
		}
		score := psi(nb, present)
		report.Numeric[name] = score
		if severeScore(score, dc.PSISevere) {
			report.Severe = true
			report.Alerts = append(report.Alerts, fmt.Sprintf(
				"severe numeric drift on %q: PSI %.4f >= %.4f", name, score, dc.PSISevere))
		}
	}

	for name, cb := range baseline.Categorical {
		if !current.Has(name) {
			report.Alerts = append(report.Alerts, fmt.Sprintf("categorical column %q missing from current data", name))
			report.Severe = true
			continue
		}
		vals, valid, err := current.StringValues(name)
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int)
		for i, v := range vals {
			if valid[i] {
				counts[v]++
			}
		}
		score := tvd(cb.ValueCounts, counts)
		report.Categorical[name] = score
		if severeScore(score, dc.TVDSevere) {
			report.Severe = true
			report.Alerts = append(report.Alerts, fmt.Sprintf(
				"severe categorical drift on %q: TVD %.4f >= %.4f", name, score, dc.TVDSevere))
		}
	}

	if err := m.persist(family, report); err != nil {
		return nil, err
	}
	m.logger.Info("drift check complete",
		zap.String("family", family),
		zap.Bool("severe", report.Severe),
		zap.Int("alerts", len(report.Alerts)))
	return report, nil
}

func (m *Monitor) persist(family string, report *Report) error {
	dir := m.cfg.DriftDir(family)
	if err := fsutil.WriteJSONAtomic(filepath.Join(dir, "latest.json"), report); err != nil {
		return err
	}

	historyPath := filepath.Join(dir, "history.json")
	var history []*Report
	if err := fsutil.ReadJSON(historyPath, &history); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read drift history: %w", err)
	}
	history = append(history, report)
	return fsutil.WriteJSONAtomic(historyPath, history)
}

func severeScore(score, threshold float64) bool {
	return score >= threshold
}

// psi computes the population stability index of current against the
// baseline's quantile bins, using the baseline's measured per-bin mass as
// the expected distribution.
func psi(nb NumericBaseline, current []float64) float64 {
	actual := binShares(nb.Quantiles, current)

	var score float64
	for i, a := range actual {
		e := nb.BinShares[i]
		score += (a - e) * math.Log((a+psiEpsilon)/(e+psiEpsilon))
	}
	return score
}

// binShares returns the fraction of vals landing in each quantile bin.
func binShares(edges, vals []float64) []float64 {
	shares := make([]float64, len(edges)+1)
	if len(vals) == 0 {
		return shares
	}
	for _, v := range vals {
		shares[binFor(v, edges)]++
	}
	for i := range shares {
		shares[i] /= float64(len(vals))
	}
	return shares
}

func binFor(v float64, edges []float64) int {
	for i, e := range edges {
		if v <= e {
			return i
		}
	}
	return len(edges)
}

// tvd sums the absolute proportion differences between two categorical
// distributions over the union of their supports. Identical distributions
// score 0, fully disjoint supports score 2.
func tvd(baseline map[string]int, current map[string]int) float64 {
	var baseTotal, curTotal float64
	for _, c := range baseline {
		baseTotal += float64(c)
	}
	for _, c := range current {
		curTotal += float64(c)
	}
	if baseTotal == 0 || curTotal == 0 {
		return 0
	}

	support := make(map[string]bool)
	for k := range baseline {
		support[k] = true
	}
	for k := range current {
		support[k] = true
	}

	var dist float64
	for k := range support {
		p := float64(baseline[k]) / baseTotal
		q := float64(current[k]) / curTotal
		dist += math.Abs(p - q)
	}
	return dist
}

// LoadBaseline reads a family's persisted baseline. Missing file means no
// champion has captured one yet; callers get nil, not an error.
func LoadBaseline(path string) (*BaselineStats, error) {
	var stats BaselineStats
	if err := fsutil.ReadJSON(path, &stats); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load baseline stats: %w", err)
	}
	return &stats, nil
}

// SaveBaseline atomically persists a family's baseline.
func SaveBaseline(path string, stats *BaselineStats) error {
	if err := fsutil.WriteJSONAtomic(path, stats); err != nil {
		return fmt.Errorf("persist baseline stats: %w", err)
	}
	return nil
}
