package features

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/northwind-analytics/custintel/internal/ingest"
)

// SnapshotDate derives the leakage-safe snapshot date from order history: a
// high quantile of the order-timestamp distribution, clamped so at least
// minHistoryDays of history precede it. Everything after the snapshot is the
// held-out future window used only for targets.
func SnapshotDate(orders []ingest.Order, quantile float64, minHistoryDays int) (time.Time, error) {
	if len(orders) == 0 {
		return time.Time{}, fmt.Errorf("snapshot date: no orders")
	}

	ts := make([]float64, len(orders))
	for i, o := range orders {
		ts[i] = float64(o.OrderDate.Unix())
	}
	sort.Float64s(ts)

	snap := time.Unix(int64(stat.Quantile(quantile, stat.Empirical, ts, nil)), 0).UTC()

	earliest := time.Unix(int64(ts[0]), 0).UTC()
	minAllowed := earliest.AddDate(0, 0, minHistoryDays)
	if snap.Before(minAllowed) {
		snap = minAllowed
	}
	return snap, nil
}
