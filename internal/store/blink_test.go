package store

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBLinkInsertAndSearch(t *testing.T) {
	tree := NewBLinkTree()
	tree.Insert(42, SegmentPtr{SegmentID: 1, Offset: 100})

	ptr, ok := tree.Search(42)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ptr.SegmentID)
	assert.Equal(t, int64(100), ptr.Offset)
}

func TestBLinkSearchMissing(t *testing.T) {
	tree := NewBLinkTree()
	_, ok := tree.Search(7)
	assert.False(t, ok)
}

func TestBLinkUpdateOverwrites(t *testing.T) {
	tree := NewBLinkTree()
	tree.Insert(1, SegmentPtr{SegmentID: 1, Offset: 0})
	tree.Insert(1, SegmentPtr{SegmentID: 2, Offset: 50})

	ptr, ok := tree.Search(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ptr.SegmentID)
	assert.Equal(t, 1, tree.Len())
}

func TestBLinkManyInsertsSurviveSplits(t *testing.T) {
	tree := NewBLinkTree()
	const n = 5000
	keys := rand.Perm(n)
	for _, k := range keys {
		tree.Insert(uint64(k), SegmentPtr{SegmentID: 1, Offset: int64(k)})
	}
	assert.Equal(t, n, tree.Len())

	for i := 0; i < n; i++ {
		ptr, ok := tree.Search(uint64(i))
		require.True(t, ok, "missing key %d", i)
		assert.Equal(t, int64(i), ptr.Offset)
	}
}

func TestBLinkRemove(t *testing.T) {
	tree := NewBLinkTree()
	for i := uint64(0); i < 100; i++ {
		tree.Insert(i, SegmentPtr{SegmentID: 1, Offset: int64(i)})
	}
	require.True(t, tree.Remove(50))
	_, ok := tree.Search(50)
	assert.False(t, ok)
	assert.False(t, tree.Remove(50))
}

func TestBLinkConcurrentReadsDuringWrites(t *testing.T) {
	tree := NewBLinkTree()
	const n = 2000
	for i := uint64(0); i < 200; i++ {
		tree.Insert(i, SegmentPtr{SegmentID: 1, Offset: int64(i)})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := uint64(200); i < n; i++ {
			tree.Insert(i, SegmentPtr{SegmentID: 1, Offset: int64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10000; i++ {
			tree.Search(uint64(i % 200))
		}
	}()
	wg.Wait()

	for i := uint64(0); i < n; i++ {
		_, ok := tree.Search(i)
		assert.True(t, ok)
	}
}
