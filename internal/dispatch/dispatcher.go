package dispatch

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/metrics"
)

// Dispatcher picks a healthy exit for a flow and forwards packets to it
// over a pooled multiplexed stream, generalizing the teacher's
// internal/server/dispatcher.go accept-and-forward shape to a fan-out
// across many candidate exits instead of one fixed upstream.
type Dispatcher struct {
	catalogue *Catalogue
	dialer    Dialer
	poolSize  int

	mu    sync.Mutex
	pools map[string]*nodePool
}

func NewDispatcher(catalogue *Catalogue, dialer Dialer) *Dispatcher {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 5 * time.Second}
	}
	return &Dispatcher{
		catalogue: catalogue,
		dialer:    dialer,
		poolSize:  defaultPoolSize,
		pools:     make(map[string]*nodePool),
	}
}

func (d *Dispatcher) poolFor(addr string) *nodePool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pools[addr]
	if !ok {
		p = newNodePool(addr, d.dialer, d.poolSize)
		d.pools[addr] = p
	}
	return p
}

// Select picks an exit for group, or the pinned exit by node id if one is
// given. Absent a pin, selection is a weighted random draw over HEALTHY,
// non-zero-weight entries in the group, per spec.md §4.10.
func (d *Dispatcher) Select(group int32, pinned string) (*CatalogueEntry, error) {
	if pinned != "" {
		e, ok := d.catalogue.get(pinned)
		if !ok {
			return nil, errs.New(errs.Unavailable, "dispatch.Dispatcher.Select", errExitNotFound)
		}
		return e, nil
	}

	candidates := make([]*CatalogueEntry, 0)
	totalWeight := 0
	for _, e := range d.catalogue.Snapshot() {
		if e.Group != group || e.Weight <= 0 || e.Health() != Healthy {
			continue
		}
		candidates = append(candidates, e)
		totalWeight += e.Weight
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.Unavailable, "dispatch.Dispatcher.Select", errNoHealthyExit)
	}

	r := rand.Intn(totalWeight)
	for _, e := range candidates {
		r -= e.Weight
		if r < 0 {
			return e, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// Dispatch selects an exit, sends one payload over a pooled stream
// tagged with connID, and registers onReturn to receive packets the exit
// sends back on that same connID. onReturn may be nil for fire-and-forget
// sends (e.g. health probes route around Dispatch entirely).
func (d *Dispatcher) Dispatch(connID uint64, group int32, pinned, targetAddr string, payload []byte, onReturn func([]byte)) (*CatalogueEntry, error) {
	entry, err := d.Select(group, pinned)
	if err != nil {
		metrics.ExitDispatches.WithLabelValues(pinned, "no_exit").Inc()
		return nil, err
	}

	family, addr, port, err := EncodeTargetAddr(targetAddr)
	if err != nil {
		metrics.ExitDispatches.WithLabelValues(entry.NodeID, "bad_target").Inc()
		return nil, err
	}

	stream, err := d.poolFor(entry.Address).stream()
	if err != nil {
		metrics.ExitDispatches.WithLabelValues(entry.NodeID, "dial_failed").Inc()
		return nil, err
	}
	if onReturn != nil {
		stream.registerHandler(connID, onReturn)
	}

	if err := stream.Send(&Packet{ConnID: connID, Family: family, Addr: addr, Port: port, Payload: payload}); err != nil {
		stream.unregisterHandler(connID)
		metrics.ExitDispatches.WithLabelValues(entry.NodeID, "send_failed").Inc()
		return nil, err
	}
	metrics.ExitDispatches.WithLabelValues(entry.NodeID, "ok").Inc()
	return entry, nil
}

// Send writes a follow-up payload for an already-dispatched connection to
// the same exit, without re-running selection.
func (d *Dispatcher) Send(entry *CatalogueEntry, connID uint64, payload []byte) error {
	stream, err := d.poolFor(entry.Address).stream()
	if err != nil {
		return err
	}
	return stream.Send(&Packet{ConnID: connID, Payload: payload})
}

// Release stops routing returned packets for connID to any handler. The
// underlying pooled stream stays open for other flows.
func (d *Dispatcher) Release(entry *CatalogueEntry, connID uint64) {
	d.poolFor(entry.Address).unregister(connID)
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pools {
		p.closeAll()
	}
}
