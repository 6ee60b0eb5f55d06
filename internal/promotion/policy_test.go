package promotion

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northwind-analytics/custintel/internal/models"
)

var policy = Policy{MinImprovement: 0.01, MaxSecondaryRegression: 0.05}

func TestEvaluateChurn(t *testing.T) {
	baseline := models.ChurnMetrics{PRAUC: 0.55, ROCAUC: 0.6}

	tests := []struct {
		name       string
		champion   models.ChurnMetrics
		challenger models.ChurnMetrics
		promote    bool
		reason     string
	}{
		{
			name:       "clear improvement promotes",
			champion:   models.ChurnMetrics{PRAUC: 0.70, ROCAUC: 0.80},
			challenger: models.ChurnMetrics{PRAUC: 0.72, ROCAUC: 0.81},
			promote:    true,
			reason:     "Promoted: PR-AUC improved by 2.86% (from 0.7000 to 0.7200)",
		},
		{
			name:       "below threshold rejects",
			champion:   models.ChurnMetrics{PRAUC: 0.70, ROCAUC: 0.80},
			challenger: models.ChurnMetrics{PRAUC: 0.705, ROCAUC: 0.81},
			promote:    false,
			reason:     "Insufficient PR-AUC improvement: 0.71% (required: 1.00%)",
		},
		{
			name:       "secondary regression rejects despite primary gain",
			champion:   models.ChurnMetrics{PRAUC: 0.70, ROCAUC: 0.80},
			challenger: models.ChurnMetrics{PRAUC: 0.75, ROCAUC: 0.74},
			promote:    false,
			reason:     "ROC-AUC regression detected: 7.50% (max allowed: 5.00%)",
		},
		{
			name:       "must beat baseline",
			champion:   models.ChurnMetrics{PRAUC: 0.40, ROCAUC: 0.50},
			challenger: models.ChurnMetrics{PRAUC: 0.50, ROCAUC: 0.60},
			promote:    false,
			reason:     "Challenger does not outperform baseline (challenger: 0.5000, baseline: 0.5500)",
		},
		{
			name:       "no champion bootstraps",
			champion:   models.ChurnMetrics{},
			challenger: models.ChurnMetrics{PRAUC: 0.30, ROCAUC: 0.55},
			promote:    true,
			reason:     "Promoted: no champion on record (challenger PR-AUC: 0.3000)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.EvaluateChurn(tt.champion, tt.challenger, baseline)
			assert.Equal(t, tt.promote, d.Promote)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateCLVLowerIsBetter(t *testing.T) {
	baseline := models.CLVMetrics{RMSE: 120, MAE: 90}

	t.Run("rmse drop promotes", func(t *testing.T) {
		d := policy.EvaluateCLV(
			models.CLVMetrics{RMSE: 100, MAE: 70},
			models.CLVMetrics{RMSE: 90, MAE: 71},
			baseline)
		assert.True(t, d.Promote)
		assert.Equal(t, "Promoted: RMSE improved by 10.00% (from 100.0000 to 90.0000)", d.Reason)
	})

	t.Run("rmse rise rejects", func(t *testing.T) {
		d := policy.EvaluateCLV(
			models.CLVMetrics{RMSE: 100, MAE: 70},
			models.CLVMetrics{RMSE: 100.5, MAE: 70},
			baseline)
		assert.False(t, d.Promote)
		assert.Contains(t, d.Reason, "Insufficient RMSE improvement")
	})

	t.Run("mae regression guard", func(t *testing.T) {
		d := policy.EvaluateCLV(
			models.CLVMetrics{RMSE: 100, MAE: 70},
			models.CLVMetrics{RMSE: 90, MAE: 80},
			baseline)
		assert.False(t, d.Promote)
		assert.Equal(t, "MAE regression detected: 14.29% (max allowed: 5.00%)", d.Reason)
	})

	t.Run("worse than baseline rejects", func(t *testing.T) {
		d := policy.EvaluateCLV(
			models.CLVMetrics{RMSE: 200, MAE: 150},
			models.CLVMetrics{RMSE: 130, MAE: 95},
			baseline)
		assert.False(t, d.Promote)
		assert.Contains(t, d.Reason, "does not outperform baseline")
	})
}

func TestEvaluateSegmentation(t *testing.T) {
	d := policy.EvaluateSegmentation(
		models.SegmentationMetrics{Silhouette: 0.50},
		models.SegmentationMetrics{Silhouette: 0.55})
	assert.True(t, d.Promote)

	d = policy.EvaluateSegmentation(
		models.SegmentationMetrics{Silhouette: 0.50},
		models.SegmentationMetrics{Silhouette: 0.501})
	assert.False(t, d.Promote)

	d = policy.EvaluateSegmentation(
		models.SegmentationMetrics{},
		models.SegmentationMetrics{Silhouette: 0.2})
	assert.True(t, d.Promote)
}

func TestChampionRecordRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry", "champion.json")

	rec, err := LoadChampion(path)
	require.NoError(t, err)
	assert.Nil(t, rec, "missing file means no champion yet")

	want := ChampionRecord{
		ModelName: "churn",
		Version:   3,
		Metrics:   map[string]float64{"pr_auc": 0.72, "roc_auc": 0.81},
		Reason:    "Promoted: PR-AUC improved by 2.86% (from 0.7000 to 0.7200)",
	}
	require.NoError(t, Promote(path, want))

	got, err := LoadChampion(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ModelName, got.ModelName)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Metrics, got.Metrics)
	assert.False(t, got.PromotedAt.IsZero())
}
