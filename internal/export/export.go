// Package export implements batch export of committed connection
// records to analytics, per spec.md §6: newline-delimited JSON batches,
// one file per sealed segment, idempotent by keying the file name on the
// segment's content-addressed id so re-exporting the same segment
// produces the same file. Grounded on the teacher's
// usermanager/localmanager.go write-temp/fsync/rename idiom (implemented
// here in exportSegment) for atomic output, and on spec.md §6's named row
// shape.
package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/store"
)

// Row is one exported record, matching spec.md §6's named schema exactly:
// "(conn_id, user_fingerprint, created_at, ended_at, bytes_in, bytes_out,
// exit_node, close_reason)".
type Row struct {
	ConnID          uint64 `json:"conn_id"`
	UserFingerprint string `json:"user_fingerprint"`
	CreatedAt       int64  `json:"created_at"`
	EndedAt         int64  `json:"ended_at"`
	BytesIn         uint64 `json:"bytes_in"`
	BytesOut        uint64 `json:"bytes_out"`
	ExitNode        string `json:"exit_node"`
	CloseReason     string `json:"close_reason"`
}

func rowOf(r store.Record) Row {
	return Row{
		ConnID:          r.ConnID,
		UserFingerprint: r.Metadata.UserFingerprint,
		CreatedAt:       r.CreatedAt,
		EndedAt:         r.Metadata.EndedAt,
		BytesIn:         r.Metadata.BytesIn,
		BytesOut:        r.Metadata.BytesOut,
		ExitNode:        r.Metadata.ExitNode,
		CloseReason:     r.Metadata.CloseReason,
	}
}

// SegmentSource is the narrow slice of *store.Engine the exporter needs,
// kept as an interface so tests can supply a fixed in-memory list of
// segments without standing up a whole Engine.
type SegmentSource interface {
	SealedSegments() []*store.SealedSegment
}

// Exporter periodically writes every not-yet-exported sealed segment's
// records to SinkDir as newline-delimited JSON.
type Exporter struct {
	Source   SegmentSource
	SinkDir  string
	Interval time.Duration

	exported map[string]bool
}

func New(source SegmentSource, sinkDir string, interval time.Duration) *Exporter {
	return &Exporter{Source: source, SinkDir: sinkDir, Interval: interval, exported: make(map[string]bool)}
}

// Run blocks, exporting on Interval until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ExportPending(); err != nil {
				log.WithError(err).Warn("export: pending batch export failed")
			}
		}
	}
}

// ExportPending writes one NDJSON file per sealed segment not already
// exported this process's lifetime, skipping any segment whose output
// file already exists on disk (idempotent across restarts too, since the
// file name is the segment's own content-addressed id).
func (e *Exporter) ExportPending() error {
	if err := os.MkdirAll(e.SinkDir, 0755); err != nil {
		return errs.New(errs.StoreIo, "export.ExportPending", err)
	}
	for _, seg := range e.Source.SealedSegments() {
		id := seg.IDString()
		if e.exported[id] {
			continue
		}
		path := filepath.Join(e.SinkDir, id+".ndjson")
		if _, err := os.Stat(path); err == nil {
			e.exported[id] = true
			continue
		}
		if err := e.exportSegment(seg, path); err != nil {
			return err
		}
		e.exported[id] = true
	}
	return nil
}

func (e *Exporter) exportSegment(seg *store.SealedSegment, path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errs.New(errs.StoreIo, "export.exportSegment", err)
	}

	enc := json.NewEncoder(f)
	records, err := seg.ReadAll()
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.New(errs.StoreIo, "export.exportSegment", err)
	}
	latest := latestVersionPerConn(records)
	for _, r := range latest {
		if r.Tombstone {
			continue
		}
		if err := enc.Encode(rowOf(r)); err != nil {
			f.Close()
			os.Remove(tmp)
			return errs.New(errs.StoreIo, "export.exportSegment", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errs.New(errs.StoreIo, "export.exportSegment", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errs.New(errs.StoreIo, "export.exportSegment", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.StoreIo, "export.exportSegment", err)
	}
	return nil
}

// latestVersionPerConn mirrors the compaction rule in spec.md §4.8:
// "latest visible version per connection id wins."
func latestVersionPerConn(records []store.Record) []store.Record {
	byConn := make(map[uint64]store.Record, len(records))
	for _, r := range records {
		cur, ok := byConn[r.ConnID]
		if !ok || r.TxID > cur.TxID {
			byConn[r.ConnID] = r
		}
	}
	out := make([]store.Record, 0, len(byConn))
	for _, r := range byConn {
		out = append(out, r)
	}
	return out
}
