package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/fxamacker/cbor/v2"

	"github.com/veilmux/core/internal/errs"
)

// DefaultSegmentSizeLimit is the byte cap at which the active segment is
// sealed, per spec.md §4.8.
const DefaultSegmentSizeLimit = 8 * 1024 * 1024

// sparseStride samples every Nth record into the sealed segment's sparse
// index, per spec.md §4.8's "sorted sparse index."
const sparseStride = 32

var segmentIDCounter uint64

func nextSegmentID() uint64 { return atomic.AddUint64(&segmentIDCounter, 1) }

// Segment is the mutable, append-only active write target, generalizing
// original_source's Segment (original_source/crates/storage/src/segment.rs)
// from a single-threaded Vec<u8> buffer into a mutex-guarded one a
// concurrent engine can append to.
type Segment struct {
	ID   uint64
	mu   sync.RWMutex
	data []byte
	// offsets[i] is the byte offset of the i'th record's 4-byte length
	// prefix; the CBOR body follows it and the prefix gives its length.
	offsets []int64
	keys    []uint64
	sealed  bool
	limit   int
}

func NewSegment(limit int) *Segment {
	if limit <= 0 {
		limit = DefaultSegmentSizeLimit
	}
	return &Segment{ID: nextSegmentID(), limit: limit}
}

// Append serialises record and appends it, returning its offset. It
// returns ErrSegmentFull (not a hard error) when the segment has no room,
// so the caller can seal and retry against a fresh segment per spec.md
// §4.8's "When the active segment exceeds a configured byte cap it is
// sealed... a fresh active segment is opened."
func (s *Segment) Append(record *Record) (int64, error) {
	body, err := cbor.Marshal(record)
	if err != nil {
		return 0, errs.New(errs.StoreIo, "store.Segment.Append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return 0, errs.New(errs.StoreIo, "store.Segment.Append", ErrSegmentSealed)
	}
	if len(s.data)+4+len(body) > s.limit {
		return 0, ErrSegmentFull
	}

	offset := int64(len(s.data))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	s.data = append(s.data, lenBuf[:]...)
	s.data = append(s.data, body...)
	s.offsets = append(s.offsets, offset)
	s.keys = append(s.keys, record.ConnID)
	return offset, nil
}

// ReadAt decodes the record whose body starts at offset.
func (s *Segment) ReadAt(offset int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 || offset+4 > int64(len(s.data)) {
		return nil, errs.New(errs.StoreIo, "store.Segment.ReadAt", ErrOffsetOutOfRange)
	}
	n := binary.LittleEndian.Uint32(s.data[offset : offset+4])
	start := offset + 4
	end := start + int64(n)
	if end > int64(len(s.data)) {
		return nil, errs.New(errs.StoreIo, "store.Segment.ReadAt", ErrOffsetOutOfRange)
	}
	var rec Record
	if err := cbor.Unmarshal(s.data[start:end], &rec); err != nil {
		return nil, errs.New(errs.StoreIo, "store.Segment.ReadAt", err)
	}
	return &rec, nil
}

// Size reports the current byte footprint.
func (s *Segment) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// RecordKeys returns a snapshot of every connection id appended, in
// insertion order, used when sealing to build the bloom filter and sparse
// index and when scanning newest-to-oldest.
func (s *Segment) RecordKeys() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.keys))
	copy(out, s.keys)
	return out
}

// Seal freezes the segment and builds its bloom filter and sparse index,
// then persists it to dir (if non-empty) for restart durability, per
// spec.md §4.8: "a bloom filter over its connection ids and a sorted
// sparse index are appended; the segment becomes read-only."
func (s *Segment) Seal(dir string) (*SealedSegment, error) {
	s.mu.Lock()
	s.sealed = true
	data := append([]byte(nil), s.data...)
	offsets := append([]int64(nil), s.offsets...)
	keys := append([]uint64(nil), s.keys...)
	s.mu.Unlock()

	filter := bloom.NewWithEstimates(uint(len(keys))+1, 0.01)
	sparse := make([]sparseEntry, 0, len(keys)/sparseStride+1)
	for i, k := range keys {
		filter.Add(uint64ToBytes(k))
		if i%sparseStride == 0 {
			sparse = append(sparse, sparseEntry{key: k, offset: offsets[i]})
		}
	}
	sort.Slice(sparse, func(i, j int) bool { return sparse[i].key < sparse[j].key })

	sealed := &SealedSegment{
		ID:      s.ID,
		data:    data,
		offsets: offsets,
		keys:    keys,
		filter:  filter,
		sparse:  sparse,
	}

	if dir != "" {
		if err := sealed.persist(dir); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

type sparseEntry struct {
	key    uint64
	offset int64
}

// SealedSegment is an immutable, bloom-filtered, sparse-indexed segment,
// per spec.md §4.8. Once sealed it is only ever read or merged away by
// compaction, never mutated.
type SealedSegment struct {
	ID      uint64
	data    []byte
	offsets []int64
	keys    []uint64
	filter  *bloom.BloomFilter
	sparse  []sparseEntry
}

// MayContain checks the bloom filter before doing any real lookup work,
// per spec.md §4.8's "else read straight from the sealed file (bloom
// filter first)."
func (s *SealedSegment) MayContain(connID uint64) bool {
	return s.filter.Test(uint64ToBytes(connID))
}

// ReadAt decodes the record at offset, identical wire format to Segment.
func (s *SealedSegment) ReadAt(offset int64) (*Record, error) {
	if offset < 0 || offset+4 > int64(len(s.data)) {
		return nil, errs.New(errs.StoreIo, "store.SealedSegment.ReadAt", ErrOffsetOutOfRange)
	}
	n := binary.LittleEndian.Uint32(s.data[offset : offset+4])
	start := offset + 4
	end := start + int64(n)
	if end > int64(len(s.data)) {
		return nil, errs.New(errs.StoreIo, "store.SealedSegment.ReadAt", ErrOffsetOutOfRange)
	}
	var rec Record
	if err := cbor.Unmarshal(s.data[start:end], &rec); err != nil {
		return nil, errs.New(errs.StoreIo, "store.SealedSegment.ReadAt", err)
	}
	return &rec, nil
}

// RecordKeys returns every connection id this segment holds, newest last
// (insertion order), used by compaction.
func (s *SealedSegment) RecordKeys() []uint64 { return s.keys }

// Offsets pairs with RecordKeys for compaction's full scan.
func (s *SealedSegment) Offsets() []int64 { return s.offsets }

// IDString is the segment's content-addressed id rendered as a file-name-
// safe string, used by internal/export to key idempotent batch output. It
// is derived from the sealed bytes (sha256, truncated to 16 bytes, hex), so
// it stays the same across restarts.
func (s *SealedSegment) IDString() string {
	sum := sha256.Sum256(s.data)
	return "segment-" + hex.EncodeToString(sum[:16])
}

// ReadAll decodes every record the segment holds, in insertion order.
func (s *SealedSegment) ReadAll() ([]Record, error) {
	out := make([]Record, 0, len(s.offsets))
	for _, off := range s.offsets {
		rec, err := s.ReadAt(off)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *SealedSegment) persist(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.New(errs.StoreIo, "store.SealedSegment.persist", err)
	}
	path := filepath.Join(dir, segmentFileName(s.ID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, s.data, 0o600); err != nil {
		return errs.New(errs.StoreIo, "store.SealedSegment.persist", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New(errs.StoreIo, "store.SealedSegment.persist", err)
	}
	return nil
}

func segmentFileName(id uint64) string {
	return "segment-" + itoa(id) + ".seg"
}

func itoa(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

func uint64ToBytes(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
