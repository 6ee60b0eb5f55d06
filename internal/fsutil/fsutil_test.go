package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.csv"), []byte("a,b\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "customers.csv"), []byte("id\nc1\n"), 0o644))

	fp1, err := FingerprintDirectory(dir)
	require.NoError(t, err)

	fp2, err := FingerprintDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.csv"), []byte("a,b\n1,3\n"), 0o644))
	fp3, err := FingerprintDirectory(dir)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestFingerprintMissingDirectory(t *testing.T) {
	fp, err := FingerprintDirectory(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.NotEmpty(t, fp)
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"version": 3}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 3, got["version"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
