package models

import (
	"fmt"
	"math"
)

// ChurnModel is a standardized logistic regression over the churn feature
// set. Class weights are balanced so the typically rare churners carry equal
// gradient mass.
type ChurnModel struct {
	Features  []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Names     []string  `json:"feature_names"`
	Scaler    *Scaler   `json:"scaler"`
}

type churnTrainOpts struct {
	epochs       int
	learningRate float64
	l2           float64
}

var defaultChurnOpts = churnTrainOpts{epochs: 300, learningRate: 0.1, l2: 1e-4}

// TrainChurn fits the logistic regression by full-batch gradient descent on
// standardized features.
func TrainChurn(train *Dataset) (*ChurnModel, error) {
	if len(train.X) == 0 {
		return nil, fmt.Errorf("train churn: empty dataset")
	}
	var pos, neg float64
	for _, y := range train.Y {
		if y > 0.5 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, fmt.Errorf("train churn: single-class labels (pos=%v neg=%v)", pos, neg)
	}
	n := float64(len(train.Y))
	wPos := n / (2 * pos)
	wNeg := n / (2 * neg)

	scaler := FitScaler(train.X)
	x := scaler.Transform(train.X)

	opts := defaultChurnOpts
	cols := len(train.Features)
	weights := make([]float64, cols)
	intercept := 0.0
	grad := make([]float64, cols)

	for epoch := 0; epoch < opts.epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		gradB := 0.0
		for i, row := range x {
			p := sigmoid(dot(weights, row) + intercept)
			w := wNeg
			if train.Y[i] > 0.5 {
				w = wPos
			}
			err := w * (p - train.Y[i])
			for j, v := range row {
				grad[j] += err * v
			}
			gradB += err
		}
		for j := range weights {
			weights[j] -= opts.learningRate * (grad[j]/n + opts.l2*weights[j])
		}
		intercept -= opts.learningRate * gradB / n
	}

	return &ChurnModel{
		Features:  weights,
		Intercept: intercept,
		Names:     append([]string(nil), train.Features...),
		Scaler:    scaler,
	}, nil
}

// Predict returns churn probabilities in [0, 1].
func (m *ChurnModel) Predict(x [][]float64) []float64 {
	z := m.Scaler.Transform(x)
	out := make([]float64, len(z))
	for i, row := range z {
		out[i] = sigmoid(dot(m.Features, row) + m.Intercept)
	}
	return out
}

// Evaluate scores the model on a held-out dataset.
func (m *ChurnModel) Evaluate(eval *Dataset) (ChurnMetrics, error) {
	scores := m.Predict(eval.X)
	roc, err := rocAUC(eval.Y, scores)
	if err != nil {
		return ChurnMetrics{}, err
	}
	pr, err := prAUC(eval.Y, scores)
	if err != nil {
		return ChurnMetrics{}, err
	}
	return ChurnMetrics{ROCAUC: roc, PRAUC: pr, Brier: brier(eval.Y, scores)}, nil
}

func sigmoid(z float64) float64 {
	// Clamp to keep exp finite for extreme logits.
	if z > 35 {
		return 1
	}
	if z < -35 {
		return 0
	}
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
