package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertAndGetRoundTrip(t *testing.T) {
	e, err := Open(Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Upsert(7, ConnMeta{AssignedPod: 3})
	require.NoError(t, err)

	rec, err := e.Get(7)
	require.NoError(t, err)
	require.Equal(t, uint64(7), rec.ConnID)
	require.Equal(t, uint32(3), rec.Metadata.AssignedPod)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	e, err := Open(Config{})
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Upsert(1, ConnMeta{})
	require.NoError(t, err)
	require.NoError(t, e.Delete(1))

	_, err = e.Get(1)
	require.Error(t, err)
}

func TestSegmentRotationOnSizeCap(t *testing.T) {
	e, err := Open(Config{SegmentSizeLimit: 256})
	require.NoError(t, err)
	defer e.Close()

	for i := uint64(0); i < 50; i++ {
		_, err := e.Upsert(i, ConnMeta{AssignedPod: uint32(i)})
		require.NoError(t, err)
	}

	require.NotEmpty(t, e.sealed)

	for i := uint64(0); i < 50; i++ {
		rec, err := e.Get(i)
		require.NoError(t, err)
		require.Equal(t, i, rec.ConnID)
	}
}

func TestCompactionDropsTombstones(t *testing.T) {
	e, err := Open(Config{SegmentSizeLimit: 256})
	require.NoError(t, err)
	defer e.Close()

	for i := uint64(0); i < 30; i++ {
		_, err := e.Upsert(i, ConnMeta{})
		require.NoError(t, err)
	}
	require.NoError(t, e.Delete(5))
	require.NotEmpty(t, e.sealed)

	require.NoError(t, e.Compact())

	_, err = e.Get(5)
	require.Error(t, err)

	rec, err := e.Get(10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), rec.ConnID)
}

func TestWALRecoveryRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	_, err = e.Upsert(99, ConnMeta{AssignedPod: 1})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer e2.Close()

	rec, err := e2.Get(99)
	require.NoError(t, err)
	require.Equal(t, uint64(99), rec.ConnID)
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
