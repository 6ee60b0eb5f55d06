package safeguards

import (
	"fmt"
	"math"
)

// Validator clamps model outputs to their business bounds. Bounds apply to
// every prediction that leaves the pipeline, whatever the model thinks.
type Validator struct {
	// CLVCeiling caps CLV predictions. Any real customer above this is a
	// data error or an outlier the downstream planning tools must not see.
	CLVCeiling float64
}

// ValidatePrediction bounds a single prediction for the given family.
// When the value is clipped, note explains the adjustment for the audit
// log.
func (v Validator) ValidatePrediction(value float64, family string) (out float64, clipped bool, note string) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, true, fmt.Sprintf("%s prediction was non-finite, replaced with 0", family)
	}

	switch family {
	case "churn":
		if value < 0 {
			return 0, true, fmt.Sprintf("churn probability %.4f below 0, clipped", value)
		}
		if value > 1 {
			return 1, true, fmt.Sprintf("churn probability %.4f above 1, clipped", value)
		}
	case "clv":
		if value < 0 {
			return 0, true, fmt.Sprintf("clv prediction %.2f below 0, clipped", value)
		}
		if value > v.CLVCeiling {
			return v.CLVCeiling, true, fmt.Sprintf("clv prediction %.2f above ceiling %.2f, clipped", value, v.CLVCeiling)
		}
	}
	return value, false, ""
}
