package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestROCAUC(t *testing.T) {
	labels := []float64{0, 0, 1, 1}
	scores := []float64{0.1, 0.4, 0.35, 0.8}
	auc, err := rocAUC(labels, scores)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, auc, 1e-9)

	perfect, err := rocAUC([]float64{0, 0, 1, 1}, []float64{0.1, 0.2, 0.8, 0.9})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, perfect, 1e-9)

	_, err = rocAUC([]float64{1, 1}, []float64{0.5, 0.6})
	assert.Error(t, err, "single-class labels are undefined")
}

func TestROCAUCAveragesTiedScores(t *testing.T) {
	auc, err := rocAUC([]float64{0, 1}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, auc, 1e-9)
}

func TestPRAUC(t *testing.T) {
	labels := []float64{0, 0, 1, 1}
	scores := []float64{0.1, 0.4, 0.35, 0.8}
	ap, err := prAUC(labels, scores)
	require.NoError(t, err)
	assert.InDelta(t, 0.8333333333, ap, 1e-6)

	_, err = prAUC([]float64{0, 0}, []float64{0.1, 0.2})
	assert.Error(t, err)
}

func TestRegressionMetrics(t *testing.T) {
	actual := []float64{1, 2, 3}
	predicted := []float64{1, 2, 3}
	assert.Equal(t, 0.0, rmse(actual, predicted))
	assert.Equal(t, 0.0, mae(actual, predicted))
	assert.InDelta(t, 1.0, r2(actual, predicted), 1e-9)

	off := []float64{2, 3, 4}
	assert.InDelta(t, 1.0, rmse(actual, off), 1e-9)
	assert.InDelta(t, 1.0, mae(actual, off), 1e-9)
}

func TestBrier(t *testing.T) {
	assert.InDelta(t, 0.0, brier([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.25, brier([]float64{1, 0}, []float64{0.5, 0.5}), 1e-9)
}

func TestSilhouetteSeparatedClusters(t *testing.T) {
	points := [][]float64{{0, 0}, {0, 1}, {10, 10}, {10, 11}}
	assignment := []int{0, 0, 1, 1}
	s := silhouette(points, assignment, 2)
	assert.Greater(t, s, 0.8)
}

func TestMetricsMapRoundTrip(t *testing.T) {
	cm := ChurnMetrics{ROCAUC: 0.8, PRAUC: 0.7, Brier: 0.1}
	assert.Equal(t, cm, ChurnMetricsFromMap(cm.Map()))

	vm := CLVMetrics{RMSE: 12.5, MAE: 8, R2: 0.4}
	assert.Equal(t, vm, CLVMetricsFromMap(vm.Map()))

	sm := SegmentationMetrics{Silhouette: 0.6, Inertia: 42, ClusterSize: 4}
	assert.Equal(t, sm, SegmentationMetricsFromMap(sm.Map()))
}
