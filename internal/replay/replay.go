// Package replay implements the Replay Defence (component C5): bounded,
// sharded stores of recently observed nonces and frame UUIDs, each entry
// expiring 120s after its timestamp. It generalizes the teacher's single
// State.usedRandom map (internal/server/state.go, guarded by one
// sync.RWMutex and swept every CACHE_CLEAN_INTERVAL) into the sharded form
// the spec requires so the nonce store and the frame-UUID store don't
// contend on one lock.
package replay

import (
	"hash/fnv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/metrics"
)

// Window is the lifetime of an observed key, per spec.md §3: "Each entry
// expires automatically at its timestamp + 120 s."
const Window = 120 * time.Second

// SweepInterval is how often the background eviction pass runs.
const SweepInterval = 10 * time.Second

const shardCount = 16

// evictFraction is the portion of the oldest entries dropped under memory
// pressure, per spec.md §4.5.
const evictFraction = 0.05

const maxEntriesPerShard = 1 << 16 // bounds total store size

type entry struct {
	expiry time.Time
}

type shard struct {
	mu   sync.Mutex
	data map[string]entry
}

// Store is one of the two bounded stores named in spec.md §3 (nonces,
// frame UUIDs share the same implementation, constructed separately).
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
	stopCh chan struct{}
	name   string
}

// New constructs a Store and starts its background sweep goroutine. Call
// Close to stop the sweep when the store is no longer needed.
func New(name string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now, stopCh: make(chan struct{}), name: name}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]entry)}
	}
	go s.sweepLoop()
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// CheckAndInsert atomically returns true the first time key is seen and
// false on any repeat within Window of the given timestamp, per the
// replay-uniqueness invariant in spec.md §8.
func (s *Store) CheckAndInsert(key string, timestamp time.Time) bool {
	sh := s.shardFor(key)
	expiry := timestamp.Add(Window)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.data[key]; ok && s.now().Before(e.expiry) {
		metrics.ReplayRejections.Inc()
		return false
	}

	if len(sh.data) >= maxEntriesPerShard {
		s.evictOldestLocked(sh)
	}

	sh.data[key] = entry{expiry: expiry}
	return true
}

// evictOldestLocked drops the oldest evictFraction of entries in sh,
// logging a security event, per spec.md §4.5: "under memory pressure the
// oldest 5% are discarded after logging a security-event." Caller must
// hold sh.mu.
func (s *Store) evictOldestLocked(sh *shard) {
	n := int(float64(len(sh.data)) * evictFraction)
	if n < 1 {
		n = 1
	}
	type kv struct {
		key    string
		expiry time.Time
	}
	oldest := make([]kv, 0, len(sh.data))
	for k, e := range sh.data {
		oldest = append(oldest, kv{k, e.expiry})
	}
	// partial selection of the n smallest expiries; store sizes here are
	// bounded (maxEntriesPerShard), so a full sort is cheap enough.
	for i := 0; i < len(oldest); i++ {
		for j := i + 1; j < len(oldest); j++ {
			if oldest[j].expiry.Before(oldest[i].expiry) {
				oldest[i], oldest[j] = oldest[j], oldest[i]
			}
		}
		if i >= n {
			break
		}
	}
	log.WithFields(log.Fields{
		"store":   s.name,
		"evicted": n,
		"reason":  "memory_pressure",
	}).Warn("security-event: replay store under pressure, evicting oldest entries")
	for i := 0; i < n && i < len(oldest); i++ {
		delete(sh.data, oldest[i].key)
	}
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if !now.Before(e.expiry) {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Close stops the background sweep goroutine.
func (s *Store) Close() {
	close(s.stopCh)
}

// Clear drops every tracked entry immediately, used by forced key rotation
// (spec.md §4.6) to wipe the token redemption store on COMPROMISE so an
// already-redeemed token signature can never be mistaken for a fresh one
// after the surrounding key material has been replaced.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.data = make(map[string]entry)
		sh.mu.Unlock()
	}
}

// Len reports the total number of currently tracked entries, for tests and
// /stats reporting.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.data)
		sh.mu.Unlock()
	}
	return total
}
