package features

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/northwind-analytics/custintel/internal/ingest"
)

// Targets are the only features computed from the future window beyond the
// snapshot date.

// churnTarget returns, per customer, 1 when the customer places no order in
// (snapshot, snapshot+windowDays].
func churnTarget(orders []ingest.Order, snapshot time.Time, windowDays int) func(customerID string) float64 {
	horizon := snapshot.AddDate(0, 0, windowDays)
	active := make(map[string]bool)
	for _, o := range orders {
		if o.OrderDate.After(snapshot) && !o.OrderDate.After(horizon) {
			active[o.CustomerID] = true
		}
	}
	return func(customerID string) float64 {
		if active[customerID] {
			return 0
		}
		return 1
	}
}

// clvTarget returns, per customer, the summed spend in
// (snapshot, snapshot+horizonDays]. Customers with no future orders map to 0.
func clvTarget(orders []ingest.Order, snapshot time.Time, horizonDays int) func(customerID string) float64 {
	horizon := snapshot.AddDate(0, 0, horizonDays)
	spend := make(map[string]decimal.Decimal)
	for _, o := range orders {
		if o.OrderDate.After(snapshot) && !o.OrderDate.After(horizon) {
			spend[o.CustomerID] = spend[o.CustomerID].Add(o.OrderValue)
		}
	}
	return func(customerID string) float64 {
		return spend[customerID].InexactFloat64()
	}
}
