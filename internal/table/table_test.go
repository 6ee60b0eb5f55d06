package table

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()
	tbl := New()
	require.NoError(t, tbl.AddString("customer_id", []string{"c1", "c2", "c3"}, nil))
	require.NoError(t, tbl.AddFloat("total_spend", []float64{120.5, 0, 980.25}, []bool{true, false, true}))
	require.NoError(t, tbl.AddBool("is_active_30d", []bool{true, false, true}, nil))
	require.NoError(t, tbl.AddTime("signup_date", []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}, nil))
	return tbl
}

func TestFingerprintDeterministic(t *testing.T) {
	a := sampleTable(t)
	b := a.Clone()

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Repeated calls are stable.
	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
}

func TestFingerprintChangesWithContent(t *testing.T) {
	a := sampleTable(t)

	b := a.Clone()
	col, ok := b.Col("total_spend")
	require.True(t, ok)
	col.Float[0] = 120.51
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	// Flipping a null mask bit changes content too.
	c := a.Clone()
	col, ok = c.Col("total_spend")
	require.True(t, ok)
	col.Valid[1] = true
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestSelectMissingColumn(t *testing.T) {
	tbl := sampleTable(t)
	_, err := tbl.Select("customer_id", "no_such_column")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_column")
}

func TestLeftJoinKeepsAllLeftRows(t *testing.T) {
	left := sampleTable(t)

	right := New()
	require.NoError(t, right.AddString("customer_id", []string{"c3", "c1"}, nil))
	require.NoError(t, right.AddFloat("churn_score", []float64{0.9, 0.1}, nil))

	joined, err := left.LeftJoin(right, "customer_id")
	require.NoError(t, err)
	require.Equal(t, 3, joined.NumRows())

	col, ok := joined.Col("churn_score")
	require.True(t, ok)
	assert.InDelta(t, 0.1, col.Float[0], 1e-12)
	assert.False(t, col.IsValid(1), "unmatched row must be null, not dropped")
	assert.InDelta(t, 0.9, col.Float[2], 1e-12)
}

func TestLeftJoinRejectsDuplicateKeys(t *testing.T) {
	left := sampleTable(t)

	right := New()
	require.NoError(t, right.AddString("customer_id", []string{"c1", "c1"}, nil))
	require.NoError(t, right.AddFloat("churn_score", []float64{0.1, 0.2}, nil))

	_, err := left.LeftJoin(right, "customer_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.csv")

	orig := sampleTable(t)
	require.NoError(t, orig.WriteCSV(path))

	loaded, err := ReadCSV(path)
	require.NoError(t, err)

	assert.Equal(t, orig.Columns(), loaded.Columns())
	assert.Equal(t, orig.NumRows(), loaded.NumRows())
	assert.Equal(t, orig.Fingerprint(), loaded.Fingerprint())
}

func TestSortByFloat(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.AddString("customer_id", []string{"a", "b", "c"}, nil))
	require.NoError(t, tbl.AddFloat("recency_days", []float64{30, 5, 12}, nil))

	require.NoError(t, tbl.SortByFloat("recency_days", true))

	ids, _, err := tbl.StringValues("customer_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestCompletenessScores(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.AddString("customer_id", []string{"a", "b"}, nil))
	require.NoError(t, tbl.AddFloat("x", []float64{1, 0}, []bool{true, false}))

	scores := tbl.CompletenessScores()
	assert.InDelta(t, 1.0, scores[0], 1e-12)
	assert.InDelta(t, 0.5, scores[1], 1e-12)
}
