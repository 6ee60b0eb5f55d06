package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/northwind-analytics/custintel/internal/ingest"
	"github.com/northwind-analytics/custintel/internal/table"
)

// Lifetime and rolling-window aggregates. Every aggregate only sees records
// with timestamp <= snapshot; rolling windows additionally exclude records
// older than snapshot minus the window.

type orderAgg struct {
	spend        decimal.Decimal
	count        int
	firstOrder   time.Time
	lastOrder    time.Time
	discountUsed int
}

func aggregateOrders(orders []ingest.Order, snapshot time.Time) (*table.Table, error) {
	byCustomer := make(map[string]*orderAgg)
	for _, o := range orders {
		if o.OrderDate.After(snapshot) {
			continue
		}
		a, ok := byCustomer[o.CustomerID]
		if !ok {
			a = &orderAgg{firstOrder: o.OrderDate, lastOrder: o.OrderDate}
			byCustomer[o.CustomerID] = a
		}
		a.spend = a.spend.Add(o.OrderValue)
		a.count++
		if o.OrderDate.Before(a.firstOrder) {
			a.firstOrder = o.OrderDate
		}
		if o.OrderDate.After(a.lastOrder) {
			a.lastOrder = o.OrderDate
		}
		if o.DiscountUsed {
			a.discountUsed++
		}
	}

	ids := sortedKeys(byCustomer)
	n := len(ids)
	totalSpend := make([]float64, n)
	avgValue := make([]float64, n)
	count := make([]float64, n)
	firstOrder := make([]time.Time, n)
	lastOrder := make([]time.Time, n)
	discountRate := make([]float64, n)
	for i, id := range ids {
		a := byCustomer[id]
		totalSpend[i] = a.spend.InexactFloat64()
		avgValue[i] = a.spend.Div(decimal.NewFromInt(int64(a.count))).InexactFloat64()
		count[i] = float64(a.count)
		firstOrder[i] = a.firstOrder
		lastOrder[i] = a.lastOrder
		discountRate[i] = float64(a.discountUsed) / float64(a.count)
	}

	t := table.New()
	for _, step := range []error{
		t.AddString("customer_id", ids, nil),
		t.AddFloat("total_spend", totalSpend, nil),
		t.AddFloat("avg_order_value", avgValue, nil),
		t.AddFloat("order_count", count, nil),
		t.AddTime("first_order_date", firstOrder, nil),
		t.AddTime("last_order_ts", lastOrder, nil),
		t.AddFloat("discount_rate", discountRate, nil),
	} {
		if step != nil {
			return nil, fmt.Errorf("aggregate orders: %w", step)
		}
	}
	return t, nil
}

func aggregateSessions(sessions []ingest.Session, snapshot time.Time) (*table.Table, error) {
	type agg struct {
		count    int
		pages    float64
		duration float64
		last     time.Time
	}
	byCustomer := make(map[string]*agg)
	for _, s := range sessions {
		if s.SessionDate.After(snapshot) {
			continue
		}
		a, ok := byCustomer[s.CustomerID]
		if !ok {
			a = &agg{last: s.SessionDate}
			byCustomer[s.CustomerID] = a
		}
		a.count++
		a.pages += s.PagesViewed
		a.duration += s.SessionDuration
		if s.SessionDate.After(a.last) {
			a.last = s.SessionDate
		}
	}

	ids := sortedKeys(byCustomer)
	n := len(ids)
	count := make([]float64, n)
	avgPages := make([]float64, n)
	avgDuration := make([]float64, n)
	last := make([]time.Time, n)
	for i, id := range ids {
		a := byCustomer[id]
		count[i] = float64(a.count)
		avgPages[i] = a.pages / float64(a.count)
		avgDuration[i] = a.duration / float64(a.count)
		last[i] = a.last
	}

	t := table.New()
	for _, step := range []error{
		t.AddString("customer_id", ids, nil),
		t.AddFloat("session_count", count, nil),
		t.AddFloat("avg_pages", avgPages, nil),
		t.AddFloat("avg_session_duration", avgDuration, nil),
		t.AddTime("last_session_date", last, nil),
	} {
		if step != nil {
			return nil, fmt.Errorf("aggregate sessions: %w", step)
		}
	}
	return t, nil
}

func aggregateReturns(returns []ingest.Return, snapshot time.Time) (*table.Table, error) {
	type agg struct {
		count  int
		refund decimal.Decimal
	}
	byCustomer := make(map[string]*agg)
	for _, r := range returns {
		if r.ReturnDate.After(snapshot) {
			continue
		}
		a, ok := byCustomer[r.CustomerID]
		if !ok {
			a = &agg{}
			byCustomer[r.CustomerID] = a
		}
		a.count++
		a.refund = a.refund.Add(r.RefundAmount)
	}

	ids := sortedKeys(byCustomer)
	n := len(ids)
	count := make([]float64, n)
	refund := make([]float64, n)
	for i, id := range ids {
		count[i] = float64(byCustomer[id].count)
		refund[i] = byCustomer[id].refund.InexactFloat64()
	}

	t := table.New()
	for _, step := range []error{
		t.AddString("customer_id", ids, nil),
		t.AddFloat("return_count", count, nil),
		t.AddFloat("total_refund", refund, nil),
	} {
		if step != nil {
			return nil, fmt.Errorf("aggregate returns: %w", step)
		}
	}
	return t, nil
}

// rollingOrderFeatures computes spend_<w>d and orders_<w>d for each window.
func rollingOrderFeatures(orders []ingest.Order, snapshot time.Time, windows []int) (*table.Table, error) {
	type agg struct {
		spend decimal.Decimal
		count int
	}
	perWindow := make([]map[string]*agg, len(windows))
	customers := make(map[string]bool)
	for wi, w := range windows {
		cutoff := snapshot.AddDate(0, 0, -w)
		byCustomer := make(map[string]*agg)
		for _, o := range orders {
			if o.OrderDate.After(snapshot) || !o.OrderDate.After(cutoff) {
				continue
			}
			a, ok := byCustomer[o.CustomerID]
			if !ok {
				a = &agg{}
				byCustomer[o.CustomerID] = a
			}
			a.spend = a.spend.Add(o.OrderValue)
			a.count++
			customers[o.CustomerID] = true
		}
		perWindow[wi] = byCustomer
	}

	ids := sortedKeys(customers)
	t := table.New()
	if err := t.AddString("customer_id", ids, nil); err != nil {
		return nil, err
	}
	for wi, w := range windows {
		spend := make([]float64, len(ids))
		count := make([]float64, len(ids))
		for i, id := range ids {
			if a, ok := perWindow[wi][id]; ok {
				spend[i] = a.spend.InexactFloat64()
				count[i] = float64(a.count)
			}
		}
		if err := t.AddFloat(fmt.Sprintf("spend_%dd", w), spend, nil); err != nil {
			return nil, err
		}
		if err := t.AddFloat(fmt.Sprintf("orders_%dd", w), count, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// rollingSessionFeatures computes sessions_<w>d and pages_<w>d per window.
func rollingSessionFeatures(sessions []ingest.Session, snapshot time.Time, windows []int) (*table.Table, error) {
	type agg struct {
		count int
		pages float64
	}
	perWindow := make([]map[string]*agg, len(windows))
	customers := make(map[string]bool)
	for wi, w := range windows {
		cutoff := snapshot.AddDate(0, 0, -w)
		byCustomer := make(map[string]*agg)
		for _, s := range sessions {
			if s.SessionDate.After(snapshot) || !s.SessionDate.After(cutoff) {
				continue
			}
			a, ok := byCustomer[s.CustomerID]
			if !ok {
				a = &agg{}
				byCustomer[s.CustomerID] = a
			}
			a.count++
			a.pages += s.PagesViewed
			customers[s.CustomerID] = true
		}
		perWindow[wi] = byCustomer
	}

	ids := sortedKeys(customers)
	t := table.New()
	if err := t.AddString("customer_id", ids, nil); err != nil {
		return nil, err
	}
	for wi, w := range windows {
		count := make([]float64, len(ids))
		pages := make([]float64, len(ids))
		for i, id := range ids {
			if a, ok := perWindow[wi][id]; ok {
				count[i] = float64(a.count)
				pages[i] = a.pages / float64(a.count)
			}
		}
		if err := t.AddFloat(fmt.Sprintf("sessions_%dd", w), count, nil); err != nil {
			return nil, err
		}
		if err := t.AddFloat(fmt.Sprintf("pages_%dd", w), pages, nil); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
