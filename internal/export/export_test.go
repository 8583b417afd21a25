package export

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmux/core/internal/store"
)

type fixedSource struct {
	segments []*store.SealedSegment
}

func (f *fixedSource) SealedSegments() []*store.SealedSegment { return f.segments }

func sealSegment(t *testing.T, records []store.Record) *store.SealedSegment {
	t.Helper()
	seg := store.NewSegment(1 << 20)
	for _, r := range records {
		rec := r
		_, err := seg.Append(&rec)
		require.NoError(t, err)
	}
	sealed, err := seg.Seal("")
	require.NoError(t, err)
	return sealed
}

func TestExportPendingWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	sealed := sealSegment(t, []store.Record{
		{ConnID: 1, CreatedAt: 100, TxID: 1, Metadata: store.ConnMeta{
			UserFingerprint: "fp-1", BytesIn: 10, BytesOut: 20, ExitNode: "exit-a", EndedAt: 200, CloseReason: "fin",
		}},
	})

	exp := New(&fixedSource{segments: []*store.SealedSegment{sealed}}, dir, time.Hour)
	require.NoError(t, exp.ExportPending())

	path := filepath.Join(dir, sealed.IDString()+".ndjson")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var row Row
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&row))
	assert.Equal(t, uint64(1), row.ConnID)
	assert.Equal(t, "fp-1", row.UserFingerprint)
	assert.Equal(t, "exit-a", row.ExitNode)
	assert.Equal(t, "fin", row.CloseReason)
}

func TestExportPendingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sealed := sealSegment(t, []store.Record{{ConnID: 1, CreatedAt: 1, TxID: 1}})

	exp := New(&fixedSource{segments: []*store.SealedSegment{sealed}}, dir, time.Hour)
	require.NoError(t, exp.ExportPending())
	path := filepath.Join(dir, sealed.IDString()+".ndjson")
	first, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, exp.ExportPending())
	second, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), second.ModTime(), "re-exporting must not rewrite an already exported segment")
}

func TestExportPendingDropsTombstonedAndKeepsLatestVersion(t *testing.T) {
	dir := t.TempDir()
	sealed := sealSegment(t, []store.Record{
		{ConnID: 1, CreatedAt: 1, TxID: 1, Metadata: store.ConnMeta{CloseReason: "stale"}},
		{ConnID: 1, CreatedAt: 1, TxID: 2, Metadata: store.ConnMeta{CloseReason: "latest"}},
		{ConnID: 2, CreatedAt: 1, TxID: 1, Tombstone: true},
	})

	exp := New(&fixedSource{segments: []*store.SealedSegment{sealed}}, dir, time.Hour)
	require.NoError(t, exp.ExportPending())

	path := filepath.Join(dir, sealed.IDString()+".ndjson")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(data))
	var rows []Row
	for {
		var r Row
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			break
		}
		rows = append(rows, r)
	}
	require.Len(t, rows, 1)
	assert.Equal(t, "latest", rows[0].CloseReason)
}
