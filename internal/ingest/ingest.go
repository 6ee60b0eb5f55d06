// Package ingest is the validated raw-data provider. It loads the four raw
// entity tables, enforces the ingestion contract, and persists a diagnostic
// report before any contract error propagates.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/config"
	"github.com/northwind-analytics/custintel/internal/fsutil"
)

// ContractError is a fatal ingestion contract violation: missing file,
// schema mismatch, duplicate keys, out-of-range values. The pipeline aborts
// before any write when one is raised.
type ContractError struct {
	Table  string
	Rule   string
	Detail string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("ingestion contract violated: table=%s rule=%s: %s", e.Table, e.Rule, e.Detail)
}

// IsContractError reports whether err is an ingestion contract violation.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// Customer is one row of the customers table.
type Customer struct {
	CustomerID         string
	SignupDate         time.Time
	Country            string
	AcquisitionChannel string
	DeviceType         string
	LastOrderDate      time.Time
	HasLastOrder       bool
	IsChurned          bool
}

// Order is one row of the orders table. Monetary values stay decimal until
// model math needs floats.
type Order struct {
	OrderID      string
	CustomerID   string
	OrderDate    time.Time
	OrderValue   decimal.Decimal
	PaymentType  string
	DiscountUsed bool
}

// Session is one row of the sessions table.
type Session struct {
	SessionID       string
	CustomerID      string
	SessionDate     time.Time
	PagesViewed     float64
	SessionDuration float64
	Source          string
}

// Return is one row of the returns table.
type Return struct {
	ReturnID     string
	OrderID      string
	CustomerID   string
	ReturnReason string
	RefundAmount decimal.Decimal
	ReturnDate   time.Time
}

// RawData bundles the validated tables handed to the feature builder.
type RawData struct {
	Customers []Customer
	Orders    []Order
	Sessions  []Session
	Returns   []Return
}

var expectedColumns = map[string][]string{
	"customers": {"customer_id", "signup_date", "country", "acquisition_channel", "device_type", "last_order_date", "is_churned"},
	"orders":    {"order_id", "customer_id", "order_date", "order_value", "payment_type", "discount_used"},
	"sessions":  {"session_id", "customer_id", "session_date", "pages_viewed", "session_duration", "source"},
	"returns":   {"return_id", "order_id", "customer_id", "return_reason", "refund_amount", "return_date"},
}

// Loader loads and validates raw data from a directory of CSV files.
type Loader struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewLoader returns a raw-data loader.
func NewLoader(cfg *config.Config, logger *zap.Logger) *Loader {
	return &Loader{cfg: cfg, logger: logger}
}

type ingestReport struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Status      string              `json:"status"`
	Rows        map[string]int      `json:"rows,omitempty"`
	Violation   *reportViolation    `json:"violation,omitempty"`
	Warnings    map[string][]string `json:"warnings,omitempty"`
}

type reportViolation struct {
	Table  string `json:"table"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Load reads the four raw tables from dir and validates them. On a contract
// violation the diagnostic report is persisted before the error returns.
func (l *Loader) Load(dir string) (*RawData, error) {
	report := &ingestReport{
		GeneratedAt: time.Now().UTC(),
		Status:      "failed",
		Rows:        make(map[string]int),
		Warnings:    make(map[string][]string),
	}

	data, err := l.load(dir, report)
	if err != nil {
		var ce *ContractError
		if errors.As(err, &ce) {
			report.Violation = &reportViolation{Table: ce.Table, Rule: ce.Rule, Detail: ce.Detail}
		}
		if werr := fsutil.WriteJSONAtomic(l.cfg.IngestReportPath(), report); werr != nil {
			l.logger.Error("failed to persist ingest report", zap.Error(werr))
		}
		return nil, err
	}

	report.Status = "success"
	if err := fsutil.WriteJSONAtomic(l.cfg.IngestReportPath(), report); err != nil {
		l.logger.Error("failed to persist ingest report", zap.Error(err))
	}
	return data, nil
}

func (l *Loader) load(dir string, report *ingestReport) (*RawData, error) {
	customers, err := l.readTable(dir, "customers", report)
	if err != nil {
		return nil, err
	}
	orders, err := l.readTable(dir, "orders", report)
	if err != nil {
		return nil, err
	}
	sessions, err := l.readTable(dir, "sessions", report)
	if err != nil {
		return nil, err
	}
	returns, err := l.readTable(dir, "returns", report)
	if err != nil {
		return nil, err
	}

	data := &RawData{}
	if data.Customers, err = l.parseCustomers(customers); err != nil {
		return nil, err
	}
	if data.Orders, err = l.parseOrders(orders); err != nil {
		return nil, err
	}
	if data.Sessions, err = l.parseSessions(sessions); err != nil {
		return nil, err
	}
	if data.Returns, err = l.parseReturns(returns); err != nil {
		return nil, err
	}

	report.Rows["customers"] = len(data.Customers)
	report.Rows["orders"] = len(data.Orders)
	report.Rows["sessions"] = len(data.Sessions)
	report.Rows["returns"] = len(data.Returns)

	l.logger.Info("raw data validated",
		zap.Int("customers", len(data.Customers)),
		zap.Int("orders", len(data.Orders)),
		zap.Int("sessions", len(data.Sessions)),
		zap.Int("returns", len(data.Returns)))
	return data, nil
}

type rawTable struct {
	name   string
	header map[string]int
	rows   [][]string
}

func (l *Loader) readTable(dir, name string, report *ingestReport) (*rawTable, error) {
	path := filepath.Join(dir, name+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, &ContractError{Table: name, Rule: "missing_file", Detail: path}
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, &ContractError{Table: name, Rule: "malformed_csv", Detail: err.Error()}
	}
	if len(records) < 2 {
		return nil, &ContractError{Table: name, Rule: "empty_table", Detail: path}
	}

	header := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		header[col] = i
	}
	for _, col := range expectedColumns[name] {
		if _, ok := header[col]; !ok {
			return nil, &ContractError{Table: name, Rule: "schema_mismatch", Detail: "missing column " + col}
		}
	}
	// Unexpected extra columns are schema drift: warn, do not fail.
	for col := range header {
		known := false
		for _, want := range expectedColumns[name] {
			if col == want {
				known = true
				break
			}
		}
		if !known {
			report.Warnings[name] = append(report.Warnings[name], col)
			l.logger.Warn("schema drift: unexpected column", zap.String("table", name), zap.String("column", col))
		}
	}
	return &rawTable{name: name, header: header, rows: records[1:]}, nil
}

func (t *rawTable) cell(row []string, col string) string { return row[t.header[col]] }

// parseTimes parses a timestamp column, tolerating a configured rate of
// invalid values (dropped rows) before failing the whole ingest.
func (l *Loader) checkInvalidRate(table string, invalid, total int) error {
	if total == 0 {
		return nil
	}
	rate := float64(invalid) / float64(total)
	if rate > l.cfg.Ingest.MaxInvalidTimestampRate {
		return &ContractError{
			Table: table,
			Rule:  "invalid_timestamp_rate",
			Detail: fmt.Sprintf("%d of %d rows (%.4f%%) exceed tolerance %.4f%%",
				invalid, total, rate*100, l.cfg.Ingest.MaxInvalidTimestampRate*100),
		}
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func (l *Loader) parseCustomers(t *rawTable) ([]Customer, error) {
	out := make([]Customer, 0, len(t.rows))
	seen := make(map[string]bool, len(t.rows))
	invalid := 0
	for _, row := range t.rows {
		id := t.cell(row, "customer_id")
		if seen[id] {
			return nil, &ContractError{Table: t.name, Rule: "duplicate_key", Detail: "customer_id " + id}
		}
		seen[id] = true

		signup, ok := parseTime(t.cell(row, "signup_date"))
		if !ok {
			invalid++
			continue
		}
		c := Customer{
			CustomerID:         id,
			SignupDate:         signup,
			Country:            t.cell(row, "country"),
			AcquisitionChannel: t.cell(row, "acquisition_channel"),
			DeviceType:         t.cell(row, "device_type"),
		}
		if last, ok := parseTime(t.cell(row, "last_order_date")); ok {
			c.LastOrderDate = last
			c.HasLastOrder = true
		}
		c.IsChurned, _ = strconv.ParseBool(t.cell(row, "is_churned"))
		out = append(out, c)
	}
	if err := l.checkInvalidRate(t.name, invalid, len(t.rows)); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) parseOrders(t *rawTable) ([]Order, error) {
	out := make([]Order, 0, len(t.rows))
	seen := make(map[string]bool, len(t.rows))
	invalid := 0
	for _, row := range t.rows {
		id := t.cell(row, "order_id")
		if seen[id] {
			return nil, &ContractError{Table: t.name, Rule: "duplicate_key", Detail: "order_id " + id}
		}
		seen[id] = true

		ts, ok := parseTime(t.cell(row, "order_date"))
		if !ok {
			invalid++
			continue
		}
		value, err := decimal.NewFromString(t.cell(row, "order_value"))
		if err != nil {
			return nil, &ContractError{Table: t.name, Rule: "invalid_value", Detail: "order " + id + ": " + err.Error()}
		}
		if value.IsNegative() {
			return nil, &ContractError{Table: t.name, Rule: "out_of_range", Detail: "order " + id + " has negative order_value"}
		}
		discount, _ := strconv.ParseBool(t.cell(row, "discount_used"))
		out = append(out, Order{
			OrderID:      id,
			CustomerID:   t.cell(row, "customer_id"),
			OrderDate:    ts,
			OrderValue:   value,
			PaymentType:  t.cell(row, "payment_type"),
			DiscountUsed: discount,
		})
	}
	if err := l.checkInvalidRate(t.name, invalid, len(t.rows)); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) parseSessions(t *rawTable) ([]Session, error) {
	out := make([]Session, 0, len(t.rows))
	seen := make(map[string]bool, len(t.rows))
	invalid := 0
	for _, row := range t.rows {
		id := t.cell(row, "session_id")
		if seen[id] {
			return nil, &ContractError{Table: t.name, Rule: "duplicate_key", Detail: "session_id " + id}
		}
		seen[id] = true

		ts, ok := parseTime(t.cell(row, "session_date"))
		if !ok {
			invalid++
			continue
		}
		pages, _ := strconv.ParseFloat(t.cell(row, "pages_viewed"), 64)
		duration, _ := strconv.ParseFloat(t.cell(row, "session_duration"), 64)
		out = append(out, Session{
			SessionID:       id,
			CustomerID:      t.cell(row, "customer_id"),
			SessionDate:     ts,
			PagesViewed:     pages,
			SessionDuration: duration,
			Source:          t.cell(row, "source"),
		})
	}
	if err := l.checkInvalidRate(t.name, invalid, len(t.rows)); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Loader) parseReturns(t *rawTable) ([]Return, error) {
	out := make([]Return, 0, len(t.rows))
	seen := make(map[string]bool, len(t.rows))
	invalid := 0
	for _, row := range t.rows {
		id := t.cell(row, "return_id")
		if seen[id] {
			return nil, &ContractError{Table: t.name, Rule: "duplicate_key", Detail: "return_id " + id}
		}
		seen[id] = true

		ts, ok := parseTime(t.cell(row, "return_date"))
		if !ok {
			invalid++
			continue
		}
		refund, err := decimal.NewFromString(t.cell(row, "refund_amount"))
		if err != nil {
			return nil, &ContractError{Table: t.name, Rule: "invalid_value", Detail: "return " + id + ": " + err.Error()}
		}
		out = append(out, Return{
			ReturnID:     id,
			OrderID:      t.cell(row, "order_id"),
			CustomerID:   t.cell(row, "customer_id"),
			ReturnReason: t.cell(row, "return_reason"),
			RefundAmount: refund,
			ReturnDate:   ts,
		})
	}
	if err := l.checkInvalidRate(t.name, invalid, len(t.rows)); err != nil {
		return nil, err
	}
	return out, nil
}
