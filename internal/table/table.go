// Package table implements the in-memory column table that every pipeline
// stage exchanges: typed columns with explicit null masks, key joins, column
// selection against a declared schema, and canonical content fingerprinting.
package table

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Kind identifies the value type of a column.
type Kind int

const (
	Float Kind = iota
	String
	Bool
	Time
)

func (k Kind) String() string {
	switch k {
	case Float:
		return "float"
	case String:
		return "string"
	case Bool:
		return "bool"
	case Time:
		return "time"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindFromString parses a kind name as written to sidecar schema files.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "float":
		return Float, nil
	case "string":
		return String, nil
	case "bool":
		return Bool, nil
	case "time":
		return Time, nil
	}
	return 0, fmt.Errorf("unknown column kind %q", s)
}

// Column holds one typed column. Only the slice matching Kind is populated.
// Valid marks non-null cells; a nil Valid means every cell is set.
type Column struct {
	Name  string
	Kind  Kind
	Float []float64
	Str   []string
	Bool  []bool
	Time  []time.Time
	Valid []bool
}

func (c *Column) len() int {
	switch c.Kind {
	case Float:
		return len(c.Float)
	case String:
		return len(c.Str)
	case Bool:
		return len(c.Bool)
	case Time:
		return len(c.Time)
	}
	return 0
}

// IsValid reports whether row i holds a non-null value.
func (c *Column) IsValid(i int) bool {
	return c.Valid == nil || c.Valid[i]
}

// Table is a fixed-length set of named columns. Column order is preserved
// from insertion so persisted output is stable.
type Table struct {
	n      int
	sized  bool
	order  []string
	byName map[string]*Column
}

// New returns an empty table. The first column added fixes the row count.
func New() *Table {
	return &Table{byName: make(map[string]*Column)}
}

// NumRows returns the row count.
func (t *Table) NumRows() int { return t.n }

// Columns returns column names in insertion order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Has reports whether the named column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.byName[name]
	return ok
}

// Col returns the named column.
func (t *Table) Col(name string) (*Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// CellString renders one cell in its canonical CSV form. Null cells render
// as the empty string regardless of kind.
func (t *Table) CellString(name string, i int) string {
	c, ok := t.byName[name]
	if !ok || !c.IsValid(i) {
		return ""
	}
	return t.cell(name, i)
}

func (t *Table) add(c *Column) error {
	if _, dup := t.byName[c.Name]; dup {
		return fmt.Errorf("duplicate column %q", c.Name)
	}
	n := c.len()
	if c.Valid != nil && len(c.Valid) != n {
		return fmt.Errorf("column %q: null mask length %d != %d values", c.Name, len(c.Valid), n)
	}
	if !t.sized {
		t.n = n
		t.sized = true
	} else if n != t.n {
		return fmt.Errorf("column %q has %d rows, table has %d", c.Name, n, t.n)
	}
	t.order = append(t.order, c.Name)
	t.byName[c.Name] = c
	return nil
}

// AddFloat appends a float column. A nil valid mask means all values are set.
func (t *Table) AddFloat(name string, vals []float64, valid []bool) error {
	return t.add(&Column{Name: name, Kind: Float, Float: vals, Valid: valid})
}

// AddString appends a string column.
func (t *Table) AddString(name string, vals []string, valid []bool) error {
	return t.add(&Column{Name: name, Kind: String, Str: vals, Valid: valid})
}

// AddBool appends a bool column.
func (t *Table) AddBool(name string, vals []bool, valid []bool) error {
	return t.add(&Column{Name: name, Kind: Bool, Bool: vals, Valid: valid})
}

// AddTime appends a time column. Values are canonicalized to UTC.
func (t *Table) AddTime(name string, vals []time.Time, valid []bool) error {
	utc := make([]time.Time, len(vals))
	for i, v := range vals {
		utc[i] = v.UTC()
	}
	return t.add(&Column{Name: name, Kind: Time, Time: utc, Valid: valid})
}

// Drop removes the named column if present.
func (t *Table) Drop(name string) {
	if _, ok := t.byName[name]; !ok {
		return
	}
	delete(t.byName, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Select returns a new table holding exactly the named columns, in the given
// order. Missing columns are an error, never silently dropped.
func (t *Table) Select(names ...string) (*Table, error) {
	out := New()
	for _, name := range names {
		c, ok := t.byName[name]
		if !ok {
			return nil, fmt.Errorf("select: missing column %q", name)
		}
		if err := out.add(cloneColumn(c)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func cloneColumn(c *Column) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind}
	if c.Float != nil {
		out.Float = append([]float64(nil), c.Float...)
	}
	if c.Str != nil {
		out.Str = append([]string(nil), c.Str...)
	}
	if c.Bool != nil {
		out.Bool = append([]bool(nil), c.Bool...)
	}
	if c.Time != nil {
		out.Time = append([]time.Time(nil), c.Time...)
	}
	if c.Valid != nil {
		out.Valid = append([]bool(nil), c.Valid...)
	}
	return out
}

// Clone deep-copies the table.
func (t *Table) Clone() *Table {
	out := New()
	for _, name := range t.order {
		// add cannot fail: source columns are consistent
		_ = out.add(cloneColumn(t.byName[name]))
	}
	return out
}

// FloatValues returns the values and null mask of a float column. Null cells
// carry NaN in the returned slice.
func (t *Table) FloatValues(name string) ([]float64, []bool, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, nil, fmt.Errorf("missing column %q", name)
	}
	if c.Kind != Float {
		return nil, nil, fmt.Errorf("column %q is %s, not float", name, c.Kind)
	}
	vals := make([]float64, t.n)
	valid := make([]bool, t.n)
	for i := 0; i < t.n; i++ {
		if c.IsValid(i) {
			vals[i] = c.Float[i]
			valid[i] = true
		} else {
			vals[i] = math.NaN()
		}
	}
	return vals, valid, nil
}

// StringValues returns the values and null mask of a string column.
func (t *Table) StringValues(name string) ([]string, []bool, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, nil, fmt.Errorf("missing column %q", name)
	}
	if c.Kind != String {
		return nil, nil, fmt.Errorf("column %q is %s, not string", name, c.Kind)
	}
	vals := make([]string, t.n)
	valid := make([]bool, t.n)
	for i := 0; i < t.n; i++ {
		if c.IsValid(i) {
			vals[i] = c.Str[i]
			valid[i] = true
		}
	}
	return vals, valid, nil
}

// LeftJoin joins right onto t by the given string key column. Every left row
// survives; unmatched right columns are null. Duplicate keys on the right are
// an error: they would multiply rows, which upstream treats as a join bug.
func (t *Table) LeftJoin(right *Table, key string) (*Table, error) {
	leftKey, ok := t.byName[key]
	if !ok || leftKey.Kind != String {
		return nil, fmt.Errorf("left join: left table needs string key column %q", key)
	}
	rightKey, ok := right.byName[key]
	if !ok || rightKey.Kind != String {
		return nil, fmt.Errorf("left join: right table needs string key column %q", key)
	}

	index := make(map[string]int, right.n)
	for i := 0; i < right.n; i++ {
		if !rightKey.IsValid(i) {
			continue
		}
		k := rightKey.Str[i]
		if _, dup := index[k]; dup {
			return nil, fmt.Errorf("left join: duplicate key %q on right side", k)
		}
		index[k] = i
	}

	out := t.Clone()
	for _, name := range right.order {
		if name == key {
			continue
		}
		src := right.byName[name]
		dst := &Column{Name: name, Kind: src.Kind, Valid: make([]bool, t.n)}
		switch src.Kind {
		case Float:
			dst.Float = make([]float64, t.n)
		case String:
			dst.Str = make([]string, t.n)
		case Bool:
			dst.Bool = make([]bool, t.n)
		case Time:
			dst.Time = make([]time.Time, t.n)
		}
		for i := 0; i < t.n; i++ {
			if !leftKey.IsValid(i) {
				continue
			}
			j, found := index[leftKey.Str[i]]
			if !found || !src.IsValid(j) {
				continue
			}
			dst.Valid[i] = true
			switch src.Kind {
			case Float:
				dst.Float[i] = src.Float[j]
			case String:
				dst.Str[i] = src.Str[j]
			case Bool:
				dst.Bool[i] = src.Bool[j]
			case Time:
				dst.Time[i] = src.Time[j]
			}
		}
		if err := out.add(dst); err != nil {
			return nil, fmt.Errorf("left join: %w", err)
		}
	}
	return out, nil
}

// SortByFloat reorders rows by the named float column. Null cells sort last.
func (t *Table) SortByFloat(name string, ascending bool) error {
	c, ok := t.byName[name]
	if !ok || c.Kind != Float {
		return fmt.Errorf("sort: missing float column %q", name)
	}
	perm := make([]int, t.n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool {
		ia, ib := perm[a], perm[b]
		va, vb := c.IsValid(ia), c.IsValid(ib)
		if va != vb {
			return va
		}
		if !va {
			return false
		}
		if ascending {
			return c.Float[ia] < c.Float[ib]
		}
		return c.Float[ia] > c.Float[ib]
	})
	t.applyPermutation(perm)
	return nil
}

func (t *Table) applyPermutation(perm []int) {
	for _, c := range t.byName {
		switch c.Kind {
		case Float:
			c.Float = permuteFloats(c.Float, perm)
		case String:
			c.Str = permuteStrings(c.Str, perm)
		case Bool:
			c.Bool = permuteBools(c.Bool, perm)
		case Time:
			c.Time = permuteTimes(c.Time, perm)
		}
		if c.Valid != nil {
			c.Valid = permuteBools(c.Valid, perm)
		}
	}
}

func permuteFloats(v []float64, perm []int) []float64 {
	out := make([]float64, len(v))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

func permuteStrings(v []string, perm []int) []string {
	out := make([]string, len(v))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

func permuteBools(v []bool, perm []int) []bool {
	out := make([]bool, len(v))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

func permuteTimes(v []time.Time, perm []int) []time.Time {
	out := make([]time.Time, len(v))
	for i, p := range perm {
		out[i] = v[p]
	}
	return out
}

// Slice returns rows [from, to).
func (t *Table) Slice(from, to int) (*Table, error) {
	if from < 0 || to > t.n || from > to {
		return nil, fmt.Errorf("slice [%d:%d) out of range for %d rows", from, to, t.n)
	}
	out := New()
	for _, name := range t.order {
		c := t.byName[name]
		nc := &Column{Name: c.Name, Kind: c.Kind}
		switch c.Kind {
		case Float:
			nc.Float = append([]float64(nil), c.Float[from:to]...)
		case String:
			nc.Str = append([]string(nil), c.Str[from:to]...)
		case Bool:
			nc.Bool = append([]bool(nil), c.Bool[from:to]...)
		case Time:
			nc.Time = append([]time.Time(nil), c.Time[from:to]...)
		}
		if c.Valid != nil {
			nc.Valid = append([]bool(nil), c.Valid[from:to]...)
		}
		if err := out.add(nc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CompletenessScores returns, per row, the fraction of non-null cells.
func (t *Table) CompletenessScores() []float64 {
	out := make([]float64, t.n)
	if len(t.order) == 0 {
		return out
	}
	for i := 0; i < t.n; i++ {
		set := 0
		for _, name := range t.order {
			if t.byName[name].IsValid(i) {
				set++
			}
		}
		out[i] = float64(set) / float64(len(t.order))
	}
	return out
}
