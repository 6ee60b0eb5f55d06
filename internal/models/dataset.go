package models

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/northwind-analytics/custintel/internal/table"
)

// Dataset is a feature table lowered to dense float matrices, with the
// identity column kept aside for prediction output.
type Dataset struct {
	CustomerIDs []string
	Features    []string
	X           [][]float64
	Y           []float64
}

// NewDataset lowers a validated feature table. target may be empty for
// unsupervised families. The identity column and the target are excluded
// from the feature matrix; feature order is the table's column order.
func NewDataset(t *table.Table, target string) (*Dataset, error) {
	ids, _, err := t.StringValues("customer_id")
	if err != nil {
		return nil, err
	}

	var features []string
	for _, name := range t.Columns() {
		if name == "customer_id" || name == target {
			continue
		}
		features = append(features, name)
	}
	sort.Strings(features)

	n := t.NumRows()
	x := make([][]float64, n)
	for i := range x {
		x[i] = make([]float64, len(features))
	}
	for j, name := range features {
		vals, _, err := t.FloatValues(name)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", name, err)
		}
		for i := range vals {
			if math.IsNaN(vals[i]) {
				vals[i] = 0
			}
			x[i][j] = vals[i]
		}
	}

	ds := &Dataset{CustomerIDs: ids, Features: features, X: x}
	if target != "" {
		y, _, err := t.FloatValues(target)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
		ds.Y = y
	}
	return ds, nil
}

// TemporalSplit orders rows by recency (most recently active first) and
// splits so evaluation happens on the least recently active tail. A random
// split would let near-duplicate behavior straddle train and eval.
func (d *Dataset) TemporalSplit(ratio float64) (train, eval *Dataset, err error) {
	ri := -1
	for j, name := range d.Features {
		if name == "recency_days" {
			ri = j
			break
		}
	}
	if ri < 0 {
		return nil, nil, fmt.Errorf("temporal split requires recency_days feature")
	}

	idx := make([]int, len(d.X))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return d.X[idx[a]][ri] < d.X[idx[b]][ri]
	})

	cut := int(float64(len(idx)) * ratio)
	if cut < 1 || cut >= len(idx) {
		return nil, nil, fmt.Errorf("temporal split ratio %v leaves an empty side for %d rows", ratio, len(idx))
	}
	return d.subset(idx[:cut]), d.subset(idx[cut:]), nil
}

func (d *Dataset) subset(idx []int) *Dataset {
	out := &Dataset{Features: d.Features}
	out.CustomerIDs = make([]string, len(idx))
	out.X = make([][]float64, len(idx))
	if d.Y != nil {
		out.Y = make([]float64, len(idx))
	}
	for i, src := range idx {
		out.CustomerIDs[i] = d.CustomerIDs[src]
		out.X[i] = d.X[src]
		if d.Y != nil {
			out.Y[i] = d.Y[src]
		}
	}
	return out
}

// Scaler is a per-feature standardizer fitted on training data and
// persisted inside the model artifact.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-column mean and standard deviation. Constant
// columns get std 1 so transformation is the identity shift.
func FitScaler(x [][]float64) *Scaler {
	if len(x) == 0 {
		return &Scaler{}
	}
	cols := len(x[0])
	s := &Scaler{Mean: make([]float64, cols), Std: make([]float64, cols)}
	col := make([]float64, len(x))
	for j := 0; j < cols; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Std[j] = std
	}
	return s
}

// Transform returns standardized copies of the rows.
func (s *Scaler) Transform(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		z := make([]float64, len(row))
		for j, v := range row {
			z[j] = (v - s.Mean[j]) / s.Std[j]
		}
		out[i] = z
	}
	return out
}
