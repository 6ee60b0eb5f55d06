package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/northwind-analytics/custintel/internal/table"
)

// Reader gives downstream consumers read-only access to materialized
// snapshots. Absence is a normal state: a missing snapshot yields empty
// results, never an error.
type Reader struct {
	dir string
}

// NewReader returns a reader over the snapshot directory.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Dates lists available snapshot dates in ascending order.
func (r *Reader) Dates() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "snapshot_date=") {
			dates = append(dates, strings.TrimPrefix(e.Name(), "snapshot_date="))
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Latest loads the most recent snapshot. Returns (nil, "", nil) when no
// snapshot has been materialized yet.
func (r *Reader) Latest() (*table.Table, string, error) {
	dates, err := r.Dates()
	if err != nil {
		return nil, "", err
	}
	if len(dates) == 0 {
		return nil, "", nil
	}
	date := dates[len(dates)-1]
	t, err := r.ForDate(date)
	if err != nil {
		return nil, "", err
	}
	return t, date, nil
}

// ForDate loads the snapshot for a specific date.
func (r *Reader) ForDate(date string) (*table.Table, error) {
	path := filepath.Join(r.dir, "snapshot_date="+date, "customer_snapshot.csv")
	t, err := table.ReadCSV(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", date, err)
	}
	return t, nil
}

// Customer returns one customer's row from the latest snapshot as a
// column-to-string map, or nil when the customer or snapshot is absent.
func (r *Reader) Customer(customerID string) (map[string]string, error) {
	t, _, err := r.Latest()
	if err != nil || t == nil {
		return nil, err
	}
	ids, _, err := t.StringValues("customer_id")
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if id != customerID {
			continue
		}
		row := make(map[string]string, len(t.Columns()))
		for _, col := range t.Columns() {
			row[col] = t.CellString(col, i)
		}
		return row, nil
	}
	return nil, nil
}
