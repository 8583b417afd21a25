package dispatch

import (
	"sync"
	"sync/atomic"
)

// defaultPoolSize caps how many multiplexed streams the dispatcher keeps
// open to a single exit at once, grounded on original_source's
// exit_pool::Pool round-robin sizing.
const defaultPoolSize = 4

// nodePool is the small round-robined set of streams kept open to one
// exit process.
type nodePool struct {
	addr   string
	dialer Dialer
	size   int

	mu      sync.Mutex
	streams []*exitStream
	next    uint64
}

func newNodePool(addr string, dialer Dialer, size int) *nodePool {
	if size <= 0 {
		size = defaultPoolSize
	}
	return &nodePool{addr: addr, dialer: dialer, size: size}
}

// stream returns a live stream to the pool's exit, dialing a new one if
// the pool isn't yet at capacity, otherwise round-robining across the
// existing streams.
func (p *nodePool) stream() (*exitStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := p.streams[:0]
	for _, s := range p.streams {
		if !s.closed() {
			live = append(live, s)
		}
	}
	p.streams = live

	if len(p.streams) < p.size {
		s, err := dialExitStream(p.dialer, p.addr)
		if err != nil {
			return nil, err
		}
		p.streams = append(p.streams, s)
		return s, nil
	}

	idx := atomic.AddUint64(&p.next, 1) % uint64(len(p.streams))
	return p.streams[idx], nil
}

// unregister removes any returned-packet handler for connID across every
// stream currently in the pool.
func (p *nodePool) unregister(connID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		s.unregisterHandler(connID)
	}
}

func (p *nodePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		s.Close()
	}
	p.streams = nil
}
