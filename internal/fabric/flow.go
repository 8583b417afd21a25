package fabric

import (
	"sync"
	"sync/atomic"
)

// FlowState tracks one multiplexed target connection's lifecycle, per
// spec.md §4.7's conn_id -> {ingress, egress, state} table entry.
type FlowState int32

const (
	FlowOpen FlowState = iota
	FlowHalfClosed
	FlowClosed
)

// flowQueueDepth bounds each direction's byte-channel queue; a flow whose
// egress backs up past this is naturally throttled by the fairness
// scheduler rather than unbounded buffering.
const flowQueueDepth = 256

// Flow is one multiplexed connection's state, generalizing the teacher's
// per-stream bookkeeping in internal/multiplex/stream.go (there a
// sortedBufCh/newFrameCh pair keyed by sequence number; here a pair of raw
// byte-chunk queues keyed by conn_id, since C1 frames carry no sequence
// field and C7 owns ordering purely through one queue per direction).
type Flow struct {
	ID uint64

	state atomic.Int32

	ingress chan []byte // bytes arriving from the tunnel, destined for the local target socket
	egress  chan []byte // bytes produced locally, destined for the tunnel

	closeOnce sync.Once
	closed    chan struct{}

	halfClosed chan struct{}
}

func newFlow(id uint64) *Flow {
	f := &Flow{
		ID:         id,
		ingress:    make(chan []byte, flowQueueDepth),
		egress:     make(chan []byte, flowQueueDepth),
		closed:     make(chan struct{}),
		halfClosed: make(chan struct{}),
	}
	f.state.Store(int32(FlowOpen))
	return f
}

func (f *Flow) State() FlowState { return FlowState(f.state.Load()) }

// HalfClosed reports a channel closed the instant this flow transitions
// FlowOpen -> FlowHalfClosed, letting a caller driving the flow (pumpFlow)
// propose the replicated record's own HALF_CLOSED state at the moment it
// happens rather than only at final teardown.
func (f *Flow) HalfClosed() <-chan struct{} { return f.halfClosed }

func (f *Flow) markHalfClosed() {
	if f.state.CompareAndSwap(int32(FlowOpen), int32(FlowHalfClosed)) {
		close(f.halfClosed)
	}
}

func (f *Flow) markClosed() {
	f.state.Store(int32(FlowClosed))
	f.closeOnce.Do(func() { close(f.closed) })
}

// Ingress returns the channel of bytes read from the tunnel for this flow,
// consumed by the caller driving the local target socket.
func (f *Flow) Ingress() <-chan []byte { return f.ingress }

// Write enqueues local bytes to be sent out over the tunnel for this flow.
func (f *Flow) Write(b []byte) bool {
	if f.State() == FlowClosed {
		return false
	}
	select {
	case f.egress <- b:
		return true
	case <-f.closed:
		return false
	}
}

// Done reports the flow's terminal channel, closed once a RESET is sent or
// received or the session closes. FIN, in either or both directions, only
// half-closes the flow and does not close this channel.
func (f *Flow) Done() <-chan struct{} { return f.closed }
