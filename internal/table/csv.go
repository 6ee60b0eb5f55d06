package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Feature, prediction and snapshot tables are persisted as CSV next to a
// JSON sidecar that records column kinds, so a reload restores types and
// null masks exactly. Null cells are written as the empty string for
// non-string kinds and as the sentinel below for strings.

const nullSentinel = "\x00"

type sidecarSchema struct {
	Columns []sidecarColumn `json:"columns"`
	Rows    int             `json:"rows"`
}

type sidecarColumn struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// SchemaPath returns the sidecar path for a CSV table path.
func SchemaPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, ".csv") + ".schema.json"
}

// WriteCSV persists the table and its sidecar schema. The caller is
// responsible for placing the file at a uniquely-versioned path; tables are
// immutable once written.
func (t *Table) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write table: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.order); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}
	record := make([]string, len(t.order))
	for i := 0; i < t.n; i++ {
		for j, name := range t.order {
			record[j] = t.cell(name, i)
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write table row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}

	schema := sidecarSchema{Rows: t.n}
	for _, name := range t.order {
		schema.Columns = append(schema.Columns, sidecarColumn{
			Name: name,
			Kind: t.byName[name].Kind.String(),
		})
	}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal table schema: %w", err)
	}
	if err := os.WriteFile(SchemaPath(path), raw, 0o644); err != nil {
		return fmt.Errorf("write table schema: %w", err)
	}
	return nil
}

func (t *Table) cell(name string, i int) string {
	c := t.byName[name]
	if !c.IsValid(i) {
		if c.Kind == String {
			return nullSentinel
		}
		return ""
	}
	switch c.Kind {
	case Float:
		return strconv.FormatFloat(c.Float[i], 'g', -1, 64)
	case String:
		return c.Str[i]
	case Bool:
		return strconv.FormatBool(c.Bool[i])
	case Time:
		return c.Time[i].UTC().Format(time.RFC3339Nano)
	}
	return ""
}

// ReadCSV loads a table written by WriteCSV, restoring kinds from the
// sidecar schema.
func ReadCSV(path string) (*Table, error) {
	raw, err := os.ReadFile(SchemaPath(path))
	if err != nil {
		return nil, fmt.Errorf("read table schema: %w", err)
	}
	var schema sidecarSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse table schema: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("table %s has no header", path)
	}
	header := records[0]
	rows := records[1:]
	if len(header) != len(schema.Columns) {
		return nil, fmt.Errorf("table %s: header has %d columns, schema %d", path, len(header), len(schema.Columns))
	}

	out := New()
	for j, sc := range schema.Columns {
		if header[j] != sc.Name {
			return nil, fmt.Errorf("table %s: column %d is %q, schema says %q", path, j, header[j], sc.Name)
		}
		kind, err := KindFromString(sc.Kind)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", path, err)
		}
		col, err := parseColumn(sc.Name, kind, rows, j)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", path, err)
		}
		if err := out.add(col); err != nil {
			return nil, fmt.Errorf("table %s: %w", path, err)
		}
	}
	return out, nil
}

func parseColumn(name string, kind Kind, rows [][]string, j int) (*Column, error) {
	n := len(rows)
	c := &Column{Name: name, Kind: kind, Valid: make([]bool, n)}
	switch kind {
	case Float:
		c.Float = make([]float64, n)
	case String:
		c.Str = make([]string, n)
	case Bool:
		c.Bool = make([]bool, n)
	case Time:
		c.Time = make([]time.Time, n)
	}
	for i, row := range rows {
		cell := row[j]
		if kind == String {
			if cell == nullSentinel {
				continue
			}
			c.Str[i] = cell
			c.Valid[i] = true
			continue
		}
		if cell == "" {
			continue
		}
		c.Valid[i] = true
		switch kind {
		case Float:
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
			}
			c.Float[i] = v
		case Bool:
			v, err := strconv.ParseBool(cell)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
			}
			c.Bool[i] = v
		case Time:
			v, err := time.Parse(time.RFC3339Nano, cell)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
			}
			c.Time[i] = v.UTC()
		}
	}
	return c, nil
}
