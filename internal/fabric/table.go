package fabric

import (
	"sync"
	"sync/atomic"

	vcrypto "github.com/veilmux/core/internal/crypto"
)

// MaxConnectionsPerSession bounds concurrent flows in one tunnel, per
// spec.md §4.7's "per-session connection cap."
const MaxConnectionsPerSession = 256

// idAllocator draws 64-bit connection ids from a per-session monotonic
// counter XOR'd with a random salt, per spec.md §4.7: "drawn from a
// per-session monotonic counter XOR salted to avoid trivially correlating
// with other sessions."
type idAllocator struct {
	counter uint64
	salt    uint64
}

func newIDAllocator() (*idAllocator, error) {
	var saltBuf [8]byte
	if err := vcrypto.CryptoRandRead(saltBuf[:]); err != nil {
		return nil, err
	}
	var salt uint64
	for i := 7; i >= 0; i-- {
		salt = salt<<8 | uint64(saltBuf[i])
	}
	return &idAllocator{salt: salt}, nil
}

func (a *idAllocator) next() uint64 {
	n := atomic.AddUint64(&a.counter, 1)
	return n ^ a.salt
}

// Table is the concurrent-safe conn_id -> Flow map a Session consults on
// every frame, per spec.md §4.7.
type Table struct {
	mu        sync.RWMutex
	flows     map[uint64]*Flow
	allocator *idAllocator
}

func newTable() (*Table, error) {
	allocator, err := newIDAllocator()
	if err != nil {
		return nil, err
	}
	return &Table{
		flows:     make(map[uint64]*Flow),
		allocator: allocator,
	}, nil
}

// Len reports the number of live flows, used against MaxConnectionsPerSession.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

func (t *Table) get(id uint64) (*Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.flows[id]
	return f, ok
}

// allocate creates and registers a new Flow for an ingress-initiated
// connection, returning false if the session is already at capacity.
func (t *Table) allocate() (*Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.flows) >= MaxConnectionsPerSession {
		return nil, false
	}
	id := t.allocator.next()
	f := newFlow(id)
	t.flows[id] = f
	return f, true
}

// insert registers a Flow the caller has already assigned an id for (used
// for egress-initiated connections opened by the client side).
func (t *Table) insert(f *Flow) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.flows) >= MaxConnectionsPerSession {
		return false
	}
	t.flows[f.ID] = f
	return true
}

func (t *Table) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, id)
}

// all returns a snapshot of live flows for the fairness scheduler to walk.
func (t *Table) all() []*Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		out = append(out, f)
	}
	return out
}
