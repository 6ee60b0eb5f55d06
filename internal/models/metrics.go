// Package models trains, persists and scores the three model families:
// churn (logistic regression), CLV (two-stage hurdle) and segmentation
// (k-means). Artifacts are immutable versioned JSON documents.
package models

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChurnMetrics are the churn family's evaluation metrics. PR-AUC is the
// primary promotion metric; ROC-AUC is the guarded secondary.
type ChurnMetrics struct {
	ROCAUC float64 `json:"roc_auc"`
	PRAUC  float64 `json:"pr_auc"`
	Brier  float64 `json:"brier_score"`
}

// Map flattens the metrics for the champion record.
func (m ChurnMetrics) Map() map[string]float64 {
	return map[string]float64{"roc_auc": m.ROCAUC, "pr_auc": m.PRAUC, "brier_score": m.Brier}
}

// ChurnMetricsFromMap restores typed metrics from a champion record.
func ChurnMetricsFromMap(m map[string]float64) ChurnMetrics {
	return ChurnMetrics{ROCAUC: m["roc_auc"], PRAUC: m["pr_auc"], Brier: m["brier_score"]}
}

// CLVMetrics are the CLV family's evaluation metrics. RMSE is primary
// (lower is better); MAE is the guarded secondary.
type CLVMetrics struct {
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
	R2   float64 `json:"r2"`
}

func (m CLVMetrics) Map() map[string]float64 {
	return map[string]float64{"rmse": m.RMSE, "mae": m.MAE, "r2": m.R2}
}

func CLVMetricsFromMap(m map[string]float64) CLVMetrics {
	return CLVMetrics{RMSE: m["rmse"], MAE: m["mae"], R2: m["r2"]}
}

// SegmentationMetrics are the segmentation family's evaluation metrics.
// Silhouette is primary; there is no guarded secondary.
type SegmentationMetrics struct {
	Silhouette  float64 `json:"silhouette"`
	Inertia     float64 `json:"inertia"`
	ClusterSize int     `json:"cluster_count"`
}

func (m SegmentationMetrics) Map() map[string]float64 {
	return map[string]float64{
		"silhouette":    m.Silhouette,
		"inertia":       m.Inertia,
		"cluster_count": float64(m.ClusterSize),
	}
}

func SegmentationMetricsFromMap(m map[string]float64) SegmentationMetrics {
	return SegmentationMetrics{
		Silhouette:  m["silhouette"],
		Inertia:     m["inertia"],
		ClusterSize: int(m["cluster_count"]),
	}
}

// rocAUC computes the area under the ROC curve via the rank statistic,
// averaging ranks over score ties.
func rocAUC(labels, scores []float64) (float64, error) {
	pos, neg := 0, 0
	for _, y := range labels {
		if y > 0.5 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, fmt.Errorf("roc auc undefined: single-class labels (pos=%d neg=%d)", pos, neg)
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	ranks := make([]float64, len(scores))
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		// 1-based rank, tied scores share the mean rank.
		mean := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			ranks[idx[k]] = mean
		}
		i = j
	}

	var rankSum float64
	for i, y := range labels {
		if y > 0.5 {
			rankSum += ranks[i]
		}
	}
	p, n := float64(pos), float64(neg)
	return (rankSum - p*(p+1)/2) / (p * n), nil
}

// prAUC computes average precision, the step-wise area under the
// precision/recall curve.
func prAUC(labels, scores []float64) (float64, error) {
	var pos int
	for _, y := range labels {
		if y > 0.5 {
			pos++
		}
	}
	if pos == 0 {
		return 0, fmt.Errorf("pr auc undefined: no positive labels")
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	var tp, fp int
	var ap, prevRecall float64
	for _, i := range idx {
		if labels[i] > 0.5 {
			tp++
		} else {
			fp++
		}
		recall := float64(tp) / float64(pos)
		precision := float64(tp) / float64(tp+fp)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
	}
	return ap, nil
}

// brier is the mean squared error of predicted probabilities.
func brier(labels, scores []float64) float64 {
	var sum float64
	for i := range labels {
		d := scores[i] - labels[i]
		sum += d * d
	}
	return sum / float64(len(labels))
}

func rmse(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		d := predicted[i] - actual[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(actual)))
}

func mae(actual, predicted []float64) float64 {
	var sum float64
	for i := range actual {
		sum += math.Abs(predicted[i] - actual[i])
	}
	return sum / float64(len(actual))
}

func r2(actual, predicted []float64) float64 {
	mean := stat.Mean(actual, nil)
	var ssRes, ssTot float64
	for i := range actual {
		r := actual[i] - predicted[i]
		ssRes += r * r
		t := actual[i] - mean
		ssTot += t * t
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// silhouette computes the mean silhouette coefficient over all points.
// Singleton clusters contribute 0, matching the usual convention.
func silhouette(points [][]float64, assignment []int, k int) float64 {
	n := len(points)
	if n == 0 {
		return 0
	}
	members := make([][]int, k)
	for i, c := range assignment {
		members[c] = append(members[c], i)
	}

	meanDist := func(i int, cluster []int) float64 {
		var sum float64
		count := 0
		for _, j := range cluster {
			if j == i {
				continue
			}
			sum += floats.Distance(points[i], points[j], 2)
			count++
		}
		if count == 0 {
			return 0
		}
		return sum / float64(count)
	}

	var total float64
	for i := range points {
		own := members[assignment[i]]
		if len(own) <= 1 {
			continue
		}
		a := meanDist(i, own)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == assignment[i] || len(members[c]) == 0 {
				continue
			}
			if d := meanDist(i, members[c]); d < b {
				b = d
			}
		}
		if math.IsInf(b, 1) {
			continue
		}
		if m := math.Max(a, b); m > 0 {
			total += (b - a) / m
		}
	}
	return total / float64(n)
}
