package models

import "fmt"

// Baselines are deliberately dumb, explainable heuristics. A challenger
// that cannot beat them has learned nothing worth deploying, whatever its
// improvement over the current champion looks like.

// RuleChurnBaseline scores churn risk from recency buckets adjusted by
// recent engagement.
type RuleChurnBaseline struct{}

func featureIndex(features []string, name string) int {
	for j, f := range features {
		if f == name {
			return j
		}
	}
	return -1
}

// Predict applies the recency rules. Missing columns degrade to the
// recency-only score rather than failing.
func (RuleChurnBaseline) Predict(d *Dataset) []float64 {
	ri := featureIndex(d.Features, "recency_days")
	si := featureIndex(d.Features, "sessions_30d")
	pi := featureIndex(d.Features, "spend_30d")

	out := make([]float64, len(d.X))
	for i, row := range d.X {
		score := 0.2
		if ri >= 0 {
			switch {
			case row[ri] > 60:
				score = 0.8
			case row[ri] > 30:
				score = 0.5
			}
		}
		if si >= 0 && row[si] == 0 {
			score += 0.1
		}
		if pi >= 0 && row[pi] > 0 {
			score -= 0.1
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out[i] = score
	}
	return out
}

// Evaluate scores the rule baseline on a labeled dataset.
func (b RuleChurnBaseline) Evaluate(eval *Dataset) (ChurnMetrics, error) {
	scores := b.Predict(eval)
	roc, err := rocAUC(eval.Y, scores)
	if err != nil {
		return ChurnMetrics{}, fmt.Errorf("churn baseline: %w", err)
	}
	pr, err := prAUC(eval.Y, scores)
	if err != nil {
		return ChurnMetrics{}, fmt.Errorf("churn baseline: %w", err)
	}
	return ChurnMetrics{ROCAUC: roc, PRAUC: pr, Brier: brier(eval.Y, scores)}, nil
}

// RFMCLVBaseline forecasts future spend as the recent 90-day run rate,
// discounted for lapsed customers.
type RFMCLVBaseline struct{}

func (RFMCLVBaseline) Predict(d *Dataset) []float64 {
	si := featureIndex(d.Features, "spend_90d")
	ri := featureIndex(d.Features, "recency_days")

	out := make([]float64, len(d.X))
	for i, row := range d.X {
		spend := 0.0
		if si >= 0 {
			spend = row[si]
		}
		if ri >= 0 && row[ri] > 60 {
			spend *= 0.5
		}
		out[i] = spend
	}
	return out
}

// Evaluate scores the RFM baseline on a labeled dataset.
func (b RFMCLVBaseline) Evaluate(eval *Dataset) (CLVMetrics, error) {
	if len(eval.X) == 0 {
		return CLVMetrics{}, fmt.Errorf("clv baseline: empty dataset")
	}
	pred := b.Predict(eval)
	return CLVMetrics{
		RMSE: rmse(eval.Y, pred),
		MAE:  mae(eval.Y, pred),
		R2:   r2(eval.Y, pred),
	}, nil
}
