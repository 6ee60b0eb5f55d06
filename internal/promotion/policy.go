// Package promotion decides whether a freshly trained challenger replaces
// the current champion, and persists the champion record when it does. The
// policy itself is pure: metrics in, decision and human-readable reason out.
package promotion

import (
	"fmt"
	"math"

	"github.com/northwind-analytics/custintel/internal/models"
)

// Policy is the promotion gate shared by every model family. A challenger
// must improve the primary metric by at least MinImprovement (relative),
// must not degrade the guarded secondary metric by more than
// MaxSecondaryRegression, and must beat the heuristic baseline outright.
type Policy struct {
	MinImprovement         float64
	MaxSecondaryRegression float64
}

// Decision is the outcome of one promotion evaluation. Reason is written
// for the audit trail, not for parsing.
type Decision struct {
	Promote bool
	Reason  string
}

// EvaluateChurn gates a churn challenger. PR-AUC is primary, ROC-AUC is
// the guarded secondary. A zero-valued champion means no champion exists
// and the challenger is promoted to bootstrap the family.
func (p Policy) EvaluateChurn(champion, challenger, baseline models.ChurnMetrics) Decision {
	if champion.PRAUC == 0 {
		return Decision{Promote: true, Reason: fmt.Sprintf(
			"Promoted: no champion on record (challenger PR-AUC: %.4f)", challenger.PRAUC)}
	}

	if baseline.PRAUC > 0 && challenger.PRAUC <= baseline.PRAUC {
		return Decision{Reason: fmt.Sprintf(
			"Challenger does not outperform baseline (challenger: %.4f, baseline: %.4f)",
			challenger.PRAUC, baseline.PRAUC)}
	}

	improvement := (challenger.PRAUC - champion.PRAUC) / champion.PRAUC
	if improvement < p.MinImprovement {
		return Decision{Reason: fmt.Sprintf(
			"Insufficient PR-AUC improvement: %.2f%% (required: %.2f%%)",
			improvement*100, p.MinImprovement*100)}
	}

	if champion.ROCAUC > 0 {
		regression := (champion.ROCAUC - challenger.ROCAUC) / champion.ROCAUC
		if regression > p.MaxSecondaryRegression {
			return Decision{Reason: fmt.Sprintf(
				"ROC-AUC regression detected: %.2f%% (max allowed: %.2f%%)",
				regression*100, p.MaxSecondaryRegression*100)}
		}
	}

	return Decision{Promote: true, Reason: fmt.Sprintf(
		"Promoted: PR-AUC improved by %.2f%% (from %.4f to %.4f)",
		improvement*100, champion.PRAUC, challenger.PRAUC)}
}

// EvaluateCLV gates a CLV challenger. RMSE is primary (lower is better),
// MAE is the guarded secondary.
func (p Policy) EvaluateCLV(champion, challenger, baseline models.CLVMetrics) Decision {
	if champion.RMSE == 0 {
		return Decision{Promote: true, Reason: fmt.Sprintf(
			"Promoted: no champion on record (challenger RMSE: %.4f)", challenger.RMSE)}
	}

	if baseline.RMSE > 0 && challenger.RMSE >= baseline.RMSE {
		return Decision{Reason: fmt.Sprintf(
			"Challenger does not outperform baseline (challenger: %.4f, baseline: %.4f)",
			challenger.RMSE, baseline.RMSE)}
	}

	improvement := (champion.RMSE - challenger.RMSE) / champion.RMSE
	if improvement < p.MinImprovement {
		return Decision{Reason: fmt.Sprintf(
			"Insufficient RMSE improvement: %.2f%% (required: %.2f%%)",
			improvement*100, p.MinImprovement*100)}
	}

	if champion.MAE > 0 {
		regression := (challenger.MAE - champion.MAE) / champion.MAE
		if regression > p.MaxSecondaryRegression {
			return Decision{Reason: fmt.Sprintf(
				"MAE regression detected: %.2f%% (max allowed: %.2f%%)",
				regression*100, p.MaxSecondaryRegression*100)}
		}
	}

	return Decision{Promote: true, Reason: fmt.Sprintf(
		"Promoted: RMSE improved by %.2f%% (from %.4f to %.4f)",
		improvement*100, champion.RMSE, challenger.RMSE)}
}

// EvaluateSegmentation gates a segmentation challenger on silhouette
// alone. There is no heuristic baseline and no guarded secondary.
func (p Policy) EvaluateSegmentation(champion, challenger models.SegmentationMetrics) Decision {
	if champion.Silhouette == 0 {
		return Decision{Promote: true, Reason: fmt.Sprintf(
			"Promoted: no champion on record (challenger silhouette: %.4f)", challenger.Silhouette)}
	}

	improvement := (challenger.Silhouette - champion.Silhouette) / math.Abs(champion.Silhouette)
	if improvement < p.MinImprovement {
		return Decision{Reason: fmt.Sprintf(
			"Insufficient silhouette improvement: %.2f%% (required: %.2f%%)",
			improvement*100, p.MinImprovement*100)}
	}

	return Decision{Promote: true, Reason: fmt.Sprintf(
		"Promoted: silhouette improved by %.2f%% (from %.4f to %.4f)",
		improvement*100, champion.Silhouette, challenger.Silhouette)}
}
