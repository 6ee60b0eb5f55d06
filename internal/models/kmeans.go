package models

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// SegmentationModel is a k-means clustering over standardized behavioral
// features. Segment indices are stable for a given seed and dataset, which
// is what the segment label mapping downstream relies on.
type SegmentationModel struct {
	Centroids [][]float64 `json:"centroids"`
	Names     []string    `json:"feature_names"`
	Scaler    *Scaler     `json:"scaler"`
}

const kmeansMaxIter = 100

// TrainSegmentation fits k-means with k-means++ seeding from the given
// seed.
func TrainSegmentation(train *Dataset, k int, seed int64) (*SegmentationModel, error) {
	if len(train.X) < k {
		return nil, fmt.Errorf("train segmentation: %d rows for %d clusters", len(train.X), k)
	}
	scaler := FitScaler(train.X)
	x := scaler.Transform(train.X)
	rng := rand.New(rand.NewSource(seed))

	centroids := seedCentroids(x, k, rng)
	assignment := make([]int, len(x))
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, row := range x {
			c := nearestCentroid(row, centroids)
			if c != assignment[i] {
				assignment[i] = c
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		next := make([][]float64, k)
		for c := range next {
			next[c] = make([]float64, len(x[0]))
		}
		for i, row := range x {
			c := assignment[i]
			counts[c]++
			floats.Add(next[c], row)
		}
		for c := range next {
			if counts[c] == 0 {
				// Re-seed an empty cluster on a random point.
				copy(next[c], x[rng.Intn(len(x))])
				continue
			}
			floats.Scale(1/float64(counts[c]), next[c])
		}
		centroids = next
	}

	return &SegmentationModel{
		Centroids: centroids,
		Names:     append([]string(nil), train.Features...),
		Scaler:    scaler,
	}, nil
}

func seedCentroids(x [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := append([]float64(nil), x[rng.Intn(len(x))]...)
	centroids = append(centroids, first)

	dist := make([]float64, len(x))
	for len(centroids) < k {
		var total float64
		for i, row := range x {
			best := math.Inf(1)
			for _, c := range centroids {
				if d := floats.Distance(row, c, 2); d < best {
					best = d
				}
			}
			dist[i] = best * best
			total += dist[i]
		}
		target := rng.Float64() * total
		pick := 0
		var cum float64
		for i, d := range dist {
			cum += d
			if cum >= target {
				pick = i
				break
			}
		}
		centroids = append(centroids, append([]float64(nil), x[pick]...))
	}
	return centroids
}

func nearestCentroid(row []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := floats.Distance(row, centroid, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// Predict assigns each row to its nearest centroid.
func (m *SegmentationModel) Predict(x [][]float64) []int {
	z := m.Scaler.Transform(x)
	out := make([]int, len(z))
	for i, row := range z {
		out[i] = nearestCentroid(row, m.Centroids)
	}
	return out
}

// Evaluate computes silhouette and inertia over the given dataset.
func (m *SegmentationModel) Evaluate(eval *Dataset) (SegmentationMetrics, error) {
	if len(eval.X) == 0 {
		return SegmentationMetrics{}, fmt.Errorf("evaluate segmentation: empty dataset")
	}
	z := m.Scaler.Transform(eval.X)
	assignment := make([]int, len(z))
	var inertia float64
	for i, row := range z {
		c := nearestCentroid(row, m.Centroids)
		assignment[i] = c
		d := floats.Distance(row, m.Centroids[c], 2)
		inertia += d * d
	}
	return SegmentationMetrics{
		Silhouette:  silhouette(z, assignment, len(m.Centroids)),
		Inertia:     inertia,
		ClusterSize: len(m.Centroids),
	}, nil
}
