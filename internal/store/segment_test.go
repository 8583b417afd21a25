package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentAppendAndReadAt(t *testing.T) {
	seg := NewSegment(0)
	offset, err := seg.Append(&Record{ConnID: 5, AccessCount: 1})
	require.NoError(t, err)

	rec, err := seg.ReadAt(offset)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.ConnID)
}

func TestSegmentAppendReturnsErrSegmentFullWithoutSealing(t *testing.T) {
	seg := NewSegment(16)
	_, err := seg.Append(&Record{ConnID: 1})
	require.ErrorIs(t, err, ErrSegmentFull)

	// A full segment is not sealed; it is simply out of room.
	_, err = seg.Append(&Record{ConnID: 2})
	require.ErrorIs(t, err, ErrSegmentFull)
}

func TestSegmentAppendAfterSealFails(t *testing.T) {
	seg := NewSegment(0)
	_, err := seg.Append(&Record{ConnID: 1})
	require.NoError(t, err)

	_, err = seg.Seal("")
	require.NoError(t, err)

	_, err = seg.Append(&Record{ConnID: 2})
	require.Error(t, err)
}

func TestSealedSegmentBloomFilterAndReadAt(t *testing.T) {
	seg := NewSegment(0)
	var offsets []int64
	for i := uint64(0); i < 40; i++ {
		off, err := seg.Append(&Record{ConnID: i, AccessCount: i})
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	sealed, err := seg.Seal("")
	require.NoError(t, err)

	for i, off := range offsets {
		assert.True(t, sealed.MayContain(uint64(i)))
		rec, err := sealed.ReadAt(off)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.ConnID)
	}

	// A key far outside the inserted range should very likely not be a
	// false positive at this filter size.
	assert.False(t, sealed.MayContain(999999))
}

func TestSealedSegmentPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	seg := NewSegment(0)
	_, err := seg.Append(&Record{ConnID: 3})
	require.NoError(t, err)

	sealed, err := seg.Seal(dir)
	require.NoError(t, err)
	require.Equal(t, seg.ID, sealed.ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, segmentFileName(sealed.ID))
}
