// Package store implements the MVCC Store (component C8): append-only
// segments, a concurrent B-link index, write-ahead logging and
// compaction, generalizing original_source's StorageEngine
// (original_source/crates/storage/src/engine.rs) into Go with the
// teacher's preference for explicit mutexes over implicit runtime
// guarantees.
package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/metrics"
)

// Config configures one Engine instance.
type Config struct {
	Dir               string // empty disables on-disk persistence (tests)
	SegmentSizeLimit  int
	CompactionTrigger int // seal count at which Compact should be invoked
	RecordTTL         time.Duration
}

// Engine is the MVCC storage engine for connection records, per spec.md
// §4.8.
type Engine struct {
	cfg Config

	mu     sync.RWMutex
	active *Segment
	sealed []*SealedSegment

	index *BLinkTree
	wal   *WAL

	txCounter  uint64
	compacting uint32 // CAS-guarded: at most one Compact runs at a time
}

// Open creates or recovers an Engine. If cfg.Dir is non-empty the WAL is
// replayed into a fresh active segment before the engine is returned, per
// spec.md §4.8's restart recovery requirement.
func Open(cfg Config) (*Engine, error) {
	if cfg.SegmentSizeLimit == 0 {
		cfg.SegmentSizeLimit = DefaultSegmentSizeLimit
	}
	if cfg.CompactionTrigger == 0 {
		cfg.CompactionTrigger = 10
	}

	e := &Engine{
		cfg:    cfg,
		active: NewSegment(cfg.SegmentSizeLimit),
		index:  NewBLinkTree(),
	}

	if cfg.Dir != "" {
		w, err := OpenWAL(filepath.Join(cfg.Dir, "wal.log"))
		if err != nil {
			return nil, err
		}
		e.wal = w
		if err := e.recover(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// recover replays the WAL into a fresh active segment and rebuilds the
// index, per spec.md §4.8: "A committed WAL entry must be visible to
// readers after recovery."
func (e *Engine) recover() error {
	entries, err := e.wal.ReadAll()
	if err != nil {
		return err
	}
	for _, raw := range entries {
		var rec Record
		if err := unmarshalRecord(raw, &rec); err != nil {
			log.WithError(err).Warn("store: skipping unreadable WAL entry during recovery")
			continue
		}
		offset, err := e.appendActive(&rec)
		if err != nil {
			return err
		}
		if rec.Tombstone {
			e.index.Remove(rec.ConnID)
		} else {
			e.index.Insert(rec.ConnID, SegmentPtr{SegmentID: e.active.ID, Offset: offset})
		}
	}
	return nil
}

func (e *Engine) nextTxID() uint64 { return atomic.AddUint64(&e.txCounter, 1) }

// Upsert writes a new or updated connection record, per spec.md §4.8's
// write path.
func (e *Engine) Upsert(connID uint64, meta ConnMeta) (uint64, error) {
	now := time.Now().UnixMilli()
	txid := e.nextTxID()

	existing, _ := e.Get(connID)
	createdAt := now
	accessCount := uint64(1)
	if existing != nil {
		createdAt = existing.CreatedAt
		accessCount = existing.AccessCount + 1
	}

	rec := &Record{
		ConnID:      connID,
		Metadata:    meta,
		CreatedAt:   createdAt,
		LastActive:  now,
		AccessCount: accessCount,
		TxID:        txid,
	}
	if err := e.commit(rec); err != nil {
		return 0, err
	}
	return txid, nil
}

// Delete tombstones a connection record; compaction later drops it
// physically, per spec.md §4.8.
func (e *Engine) Delete(connID uint64) error {
	rec := &Record{
		ConnID:     connID,
		LastActive: time.Now().UnixMilli(),
		TxID:       e.nextTxID(),
		Tombstone:  true,
	}
	return e.commit(rec)
}

func (e *Engine) commit(rec *Record) error {
	if e.wal != nil {
		body, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		if err := e.wal.Append(body); err != nil {
			return err
		}
	}

	e.mu.Lock()
	offset, err := e.appendActiveLocked(rec)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if rec.Tombstone {
		e.index.Remove(rec.ConnID)
	} else {
		e.index.Insert(rec.ConnID, SegmentPtr{SegmentID: offset.SegmentID, Offset: offset.Offset})
	}
	return nil
}

// appendActive is the unlocked helper used during single-threaded WAL
// recovery, before the engine is handed to concurrent callers.
func (e *Engine) appendActive(rec *Record) (int64, error) {
	return e.active.Append(rec)
}

// appendActiveLocked appends to the active segment, rotating to a fresh one
// first if the active segment is full, per spec.md §4.8.
func (e *Engine) appendActiveLocked(rec *Record) (SegmentPtr, error) {
	offset, err := e.active.Append(rec)
	if err == ErrSegmentFull {
		if err := e.rotateLocked(); err != nil {
			return SegmentPtr{}, err
		}
		offset, err = e.active.Append(rec)
	}
	if err != nil {
		return SegmentPtr{}, err
	}
	return SegmentPtr{SegmentID: e.active.ID, Offset: offset}, nil
}

// rotateLocked seals the current active segment and opens a fresh one.
// Callers must hold e.mu.
func (e *Engine) rotateLocked() error {
	sealed, err := e.active.Seal(e.segmentDir())
	if err != nil {
		return err
	}
	e.sealed = append(e.sealed, sealed)
	e.active = NewSegment(e.cfg.SegmentSizeLimit)
	metrics.StoreSegments.Set(float64(len(e.sealed)))

	if e.wal != nil {
		if err := e.wal.Truncate(); err != nil {
			return err
		}
	}

	if len(e.sealed) >= e.cfg.CompactionTrigger && atomic.CompareAndSwapUint32(&e.compacting, 0, 1) {
		go func() {
			defer atomic.StoreUint32(&e.compacting, 0)
			if err := e.Compact(); err != nil {
				log.WithError(err).Warn("store: compaction failed")
			}
		}()
	}
	return nil
}

func (e *Engine) segmentDir() string {
	if e.cfg.Dir == "" {
		return ""
	}
	return filepath.Join(e.cfg.Dir, "segments")
}

// Get reads the latest visible version of connID, per spec.md §4.8's read
// path: consult the index, then the active segment (shared snapshot) or a
// sealed segment (bloom filter first).
func (e *Engine) Get(connID uint64) (*Record, error) {
	ptr, ok := e.index.Search(connID)
	if !ok {
		return nil, errs.New(errs.StoreIo, "store.Engine.Get", ErrNotFound)
	}

	e.mu.RLock()
	active := e.active
	sealed := e.sealed
	e.mu.RUnlock()

	if ptr.SegmentID == active.ID {
		return active.ReadAt(ptr.Offset)
	}
	for i := len(sealed) - 1; i >= 0; i-- {
		s := sealed[i]
		if s.ID != ptr.SegmentID {
			continue
		}
		if !s.MayContain(connID) {
			return nil, errs.New(errs.StoreIo, "store.Engine.Get", ErrNotFound)
		}
		return s.ReadAt(ptr.Offset)
	}
	return nil, errs.New(errs.StoreIo, "store.Engine.Get", ErrNotFound)
}

// Compact merges every currently sealed segment into one, dropping
// tombstoned and aged-out records and keeping only the latest version per
// connection id, per spec.md §4.8. The merged segment is installed into
// the read path before the segments it replaces are removed, and the
// index is repointed before those old segments disappear, so a concurrent
// Get always finds a live segment for its pointer: never a window where a
// key resolves to neither the old segment nor the new one.
func (e *Engine) Compact() error {
	e.mu.RLock()
	toMerge := e.sealed
	e.mu.RUnlock()

	if len(toMerge) == 0 {
		return nil
	}

	latest := make(map[uint64]*Record, len(toMerge))
	for _, seg := range toMerge {
		keys, offsets := seg.RecordKeys(), seg.Offsets()
		for i, k := range keys {
			rec, err := seg.ReadAt(offsets[i])
			if err != nil {
				log.WithError(err).Warn("store: skipping unreadable record during compaction")
				continue
			}
			latest[k] = rec
		}
	}

	merged := NewSegment(e.cfg.SegmentSizeLimit * len(toMerge))
	now := time.Now().UnixMilli()
	newPtrs := make(map[uint64]int64, len(latest))
	for k, rec := range latest {
		if rec.Tombstone {
			continue
		}
		if e.cfg.RecordTTL > 0 && now-rec.LastActive > e.cfg.RecordTTL.Milliseconds() {
			continue
		}
		offset, err := merged.Append(rec)
		if err != nil {
			return err
		}
		newPtrs[k] = offset
	}

	sealedMerged, err := merged.Seal(e.segmentDir())
	if err != nil {
		return err
	}

	// Make the merged segment readable alongside the segments it
	// summarizes before the index is repointed at it, so a Get racing
	// this compaction always finds one of them live.
	e.mu.Lock()
	e.sealed = append([]*SealedSegment{sealedMerged}, e.sealed...)
	metrics.StoreSegments.Set(float64(len(e.sealed)))
	e.mu.Unlock()

	// Only keys whose index entry still points into a merged segment are
	// repointed or removed: a newer version or tombstone written since the
	// snapshot (for example into the active segment) keeps its own entry.
	merging := make(map[uint64]bool, len(toMerge))
	for _, seg := range toMerge {
		merging[seg.ID] = true
	}
	for k, off := range newPtrs {
		if cur, ok := e.index.Search(k); ok && merging[cur.SegmentID] {
			e.index.Insert(k, SegmentPtr{SegmentID: sealedMerged.ID, Offset: off})
		}
	}
	for k := range latest {
		if _, ok := newPtrs[k]; !ok {
			if cur, ok := e.index.Search(k); ok && merging[cur.SegmentID] {
				e.index.Remove(k)
			}
		}
	}

	// Only now drop the segments this merge replaces. Any segment sealed
	// after the toMerge snapshot was taken is still a fresh prefix
	// mismatch target, so it is preserved by slicing off exactly the
	// snapshotted segments from the front of the current list.
	e.mu.Lock()
	tail := e.sealed[1:]
	kept := tail[len(toMerge):]
	e.sealed = append([]*SealedSegment{sealedMerged}, kept...)
	metrics.StoreSegments.Set(float64(len(e.sealed)))
	e.mu.Unlock()
	return nil
}

// Close releases the WAL file handle.
func (e *Engine) Close() error {
	if e.wal != nil {
		return e.wal.Close()
	}
	return nil
}

// SealedSegments returns a snapshot of every sealed segment, used by
// internal/export to find batches ready for analytics export.
func (e *Engine) SealedSegments() []*SealedSegment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*SealedSegment, len(e.sealed))
	copy(out, e.sealed)
	return out
}
