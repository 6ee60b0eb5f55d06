package models

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/table"
)

// trainingTable builds a deterministic 100-row table where the churn label
// follows the engagement column (decorrelated from recency, so both sides
// of the temporal split carry both classes) and future spend is nonzero
// exactly for engaged customers.
func trainingTable(t *testing.T) *table.Table {
	t.Helper()
	const n = 100
	ids := make([]string, n)
	recency := make([]float64, n)
	engagement := make([]float64, n)
	churn := make([]float64, n)
	spend := make([]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("c%03d", i)
		recency[i] = float64(i)
		engagement[i] = float64((i * 37) % 100)
		if engagement[i] < 20 {
			churn[i] = 1
		}
		if engagement[i] < 50 {
			spend[i] = 300 - engagement[i]*2
		}
	}

	tbl := table.New()
	require.NoError(t, tbl.AddString("customer_id", ids, nil))
	require.NoError(t, tbl.AddFloat("recency_days", recency, nil))
	require.NoError(t, tbl.AddFloat("engagement", engagement, nil))
	require.NoError(t, tbl.AddFloat("churn_90d", churn, nil))
	require.NoError(t, tbl.AddFloat("future_90d_spend", spend, nil))
	return tbl
}

func TestTemporalSplitOrdersByRecency(t *testing.T) {
	tbl := trainingTable(t)
	ds, err := NewDataset(tbl, "churn_90d")
	require.NoError(t, err)

	train, eval, err := ds.TemporalSplit(0.8)
	require.NoError(t, err)
	assert.Len(t, train.X, 80)
	assert.Len(t, eval.X, 20)

	ri := featureIndex(ds.Features, "recency_days")
	require.GreaterOrEqual(t, ri, 0)
	for _, row := range train.X {
		assert.Less(t, row[ri], 80.0)
	}
	for _, row := range eval.X {
		assert.GreaterOrEqual(t, row[ri], 80.0)
	}
}

func TestChurnModelSeparatesEngagement(t *testing.T) {
	tbl := trainingTable(t)
	ds, err := NewDataset(tbl, "churn_90d")
	require.NoError(t, err)
	train, eval, err := ds.TemporalSplit(0.8)
	require.NoError(t, err)

	model, err := TrainChurn(train)
	require.NoError(t, err)

	for _, p := range model.Predict(eval.X) {
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	}

	metrics, err := model.Evaluate(eval)
	require.NoError(t, err)
	assert.Greater(t, metrics.ROCAUC, 0.85, "label is a simple engagement threshold")
	assert.Less(t, metrics.Brier, 0.25)
}

func TestCLVModelPredictsNonNegativeSpend(t *testing.T) {
	tbl := trainingTable(t)
	ds, err := NewDataset(tbl, "future_90d_spend")
	require.NoError(t, err)
	train, eval, err := ds.TemporalSplit(0.8)
	require.NoError(t, err)

	model, err := TrainCLV(train)
	require.NoError(t, err)
	assert.Greater(t, model.Smearing, 0.0)

	for _, v := range model.Predict(eval.X) {
		assert.GreaterOrEqual(t, v, 0.0)
	}

	metrics, err := model.Evaluate(eval)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, metrics.RMSE, metrics.MAE)
}

func TestSegmentationRecoversBlobs(t *testing.T) {
	ds := &Dataset{Features: []string{"x", "y"}}
	for i := 0; i < 20; i++ {
		ds.CustomerIDs = append(ds.CustomerIDs, fmt.Sprintf("a%d", i))
		ds.X = append(ds.X, []float64{float64(i % 5), float64(i % 3)})
	}
	for i := 0; i < 20; i++ {
		ds.CustomerIDs = append(ds.CustomerIDs, fmt.Sprintf("b%d", i))
		ds.X = append(ds.X, []float64{100 + float64(i%5), 100 + float64(i%3)})
	}

	model, err := TrainSegmentation(ds, 2, 42)
	require.NoError(t, err)

	assignment := model.Predict(ds.X)
	first, second := assignment[0], assignment[20]
	assert.NotEqual(t, first, second)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, assignment[i])
		assert.Equal(t, second, assignment[20+i])
	}

	metrics, err := model.Evaluate(ds)
	require.NoError(t, err)
	assert.Greater(t, metrics.Silhouette, 0.7)
	assert.Equal(t, 2, metrics.ClusterSize)
}

func TestBaselinesScoreByRules(t *testing.T) {
	ds := &Dataset{
		Features: []string{"recency_days", "sessions_30d", "spend_30d", "spend_90d"},
		X: [][]float64{
			{10, 3, 50, 200}, // engaged recent buyer
			{45, 0, 0, 80},   // lapsing
			{90, 0, 0, 0},    // gone
		},
	}
	churnScores := RuleChurnBaseline{}.Predict(ds)
	assert.InDelta(t, 0.1, churnScores[0], 1e-9)
	assert.InDelta(t, 0.6, churnScores[1], 1e-9)
	assert.InDelta(t, 0.9, churnScores[2], 1e-9)

	clvScores := RFMCLVBaseline{}.Predict(ds)
	assert.InDelta(t, 200, clvScores[0], 1e-9)
	assert.InDelta(t, 80, clvScores[1], 1e-9)
	assert.InDelta(t, 0, clvScores[2], 1e-9, "lapsed run rate halves to zero")
}

func TestStoreVersionsAreAppendOnly(t *testing.T) {
	store, err := NewStore(t.TempDir(), "churn")
	require.NoError(t, err)

	v, err := store.LatestVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	model := &ChurnModel{Intercept: 1.5, Names: []string{"recency_days"}, Features: []float64{0.2}, Scaler: &Scaler{Mean: []float64{0}, Std: []float64{1}}}
	meta1, err := store.Save(model, Metadata{DatasetFingerprint: "fp-1", Metrics: map[string]float64{"pr_auc": 0.7}})
	require.NoError(t, err)
	assert.Equal(t, 1, meta1.Version)
	assert.Equal(t, "churn", meta1.ModelName)

	meta2, err := store.Save(model, Metadata{DatasetFingerprint: "fp-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, meta2.Version)

	var loaded ChurnModel
	require.NoError(t, store.Load(1, &loaded))
	assert.Equal(t, model.Intercept, loaded.Intercept)
	assert.Equal(t, model.Names, loaded.Names)

	gotMeta, err := store.LoadMetadata(1)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", gotMeta.DatasetFingerprint)
	assert.InDelta(t, 0.7, gotMeta.Metrics["pr_auc"], 1e-9)
}

func TestTrainerTrainsEveryFamily(t *testing.T) {
	cfg := config.Default(t.TempDir())
	trainer := NewTrainer(cfg, zaptest.NewLogger(t))

	tbl := trainingTable(t)
	churnTbl := tbl.Clone()
	churnTbl.Drop("future_90d_spend")
	clvTbl := tbl.Clone()
	clvTbl.Drop("churn_90d")
	segTbl := tbl.Clone()
	segTbl.Drop("future_90d_spend")
	segTbl.Drop("churn_90d")

	tables := map[string]*table.Table{
		"churn":        churnTbl,
		"clv":          clvTbl,
		"segmentation": segTbl,
	}

	results, err := trainer.TrainAll(tables, "fp-test")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for family, res := range results {
		assert.Equal(t, 1, res.Metadata.Version, family)
		assert.Equal(t, "fp-test", res.Metadata.DatasetFingerprint, family)
		assert.NotEmpty(t, res.Metrics, family)
	}
	assert.NotEmpty(t, results["churn"].BaselineMetrics)
	assert.NotEmpty(t, results["clv"].BaselineMetrics)
	assert.Nil(t, results["segmentation"].BaselineMetrics)

	// Retraining appends a new version, never rewrites.
	again, err := trainer.TrainAll(tables, "fp-test-2")
	require.NoError(t, err)
	assert.Equal(t, 2, again["churn"].Metadata.Version)
}
