package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("one")))
	require.NoError(t, w.Append([]byte("two")))

	entries, err := w.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "one", string(entries[0]))
	assert.Equal(t, "two", string(entries[1]))
}

func TestWALTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("one")))
	require.NoError(t, w.Truncate())

	entries, err := w.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWALToleratesTruncatedTrailingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := OpenWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append([]byte("complete")))
	require.NoError(t, w.Append([]byte("also-complete")))
	require.NoError(t, w.Close())

	// Simulate a crash mid-write: chop off the tail of the last entry.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w2, err := OpenWAL(path)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", string(entries[0]))
}
