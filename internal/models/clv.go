package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CLVModel is a two-stage hurdle model: a logistic purchase-propensity
// stage over all customers, and a linear regression on log1p(spend) fitted
// only on customers who actually spent. Expected value is the product, with
// a smearing factor correcting the log-transform bias.
type CLVModel struct {
	Purchase *ChurnModel `json:"purchase_stage"`
	Spend    []float64   `json:"spend_weights"`
	SpendB   float64     `json:"spend_intercept"`
	Smearing float64     `json:"smearing_factor"`
	Names    []string    `json:"feature_names"`
	Scaler   *Scaler     `json:"scaler"`
}

// TrainCLV fits both stages on the training split.
func TrainCLV(train *Dataset) (*CLVModel, error) {
	if len(train.X) == 0 {
		return nil, fmt.Errorf("train clv: empty dataset")
	}

	// Stage one: will the customer spend anything at all.
	buyers := &Dataset{Features: train.Features, X: train.X, Y: make([]float64, len(train.Y))}
	buyerRows := 0
	for i, y := range train.Y {
		if y > 0 {
			buyers.Y[i] = 1
			buyerRows++
		}
	}
	if buyerRows < 2 {
		return nil, fmt.Errorf("train clv: only %d customers with future spend", buyerRows)
	}
	purchase, err := TrainChurn(buyers)
	if err != nil {
		return nil, fmt.Errorf("train clv purchase stage: %w", err)
	}

	// Stage two: how much, conditional on spending. Fitted in log space on
	// buyers only.
	scaler := FitScaler(train.X)
	cols := len(train.Features)
	xb := mat.NewDense(buyerRows, cols+1, nil)
	yb := mat.NewVecDense(buyerRows, nil)
	row := 0
	z := scaler.Transform(train.X)
	for i, y := range train.Y {
		if y <= 0 {
			continue
		}
		xb.Set(row, 0, 1)
		for j, v := range z[i] {
			xb.Set(row, j+1, v)
		}
		yb.SetVec(row, math.Log1p(y))
		row++
	}

	var qr mat.QR
	qr.Factorize(xb)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, yb); err != nil {
		return nil, fmt.Errorf("train clv spend stage: %w", err)
	}

	weights := make([]float64, cols)
	for j := 0; j < cols; j++ {
		weights[j] = beta.AtVec(j + 1)
	}
	model := &CLVModel{
		Purchase: purchase,
		Spend:    weights,
		SpendB:   beta.AtVec(0),
		Names:    append([]string(nil), train.Features...),
		Scaler:   scaler,
	}

	// Duan's smearing estimator: mean of exp(residual) over the fit rows.
	var smear float64
	row = 0
	for i, y := range train.Y {
		if y <= 0 {
			continue
		}
		pred := model.spendLog(z[i])
		smear += math.Exp(math.Log1p(y) - pred)
		row++
	}
	model.Smearing = smear / float64(row)
	return model, nil
}

func (m *CLVModel) spendLog(zrow []float64) float64 {
	return dot(m.Spend, zrow) + m.SpendB
}

// Predict returns expected future spend per customer, floored at zero.
func (m *CLVModel) Predict(x [][]float64) []float64 {
	pBuy := m.Purchase.Predict(x)
	z := m.Scaler.Transform(x)
	out := make([]float64, len(x))
	for i := range x {
		spend := math.Expm1(m.spendLog(z[i])) * m.Smearing
		if spend < 0 {
			spend = 0
		}
		out[i] = pBuy[i] * spend
	}
	return out
}

// Evaluate scores expected spend against realized future spend.
func (m *CLVModel) Evaluate(eval *Dataset) (CLVMetrics, error) {
	if len(eval.X) == 0 {
		return CLVMetrics{}, fmt.Errorf("evaluate clv: empty dataset")
	}
	pred := m.Predict(eval.X)
	return CLVMetrics{
		RMSE: rmse(eval.Y, pred),
		MAE:  mae(eval.Y, pred),
		R2:   r2(eval.Y, pred),
	}, nil
}
