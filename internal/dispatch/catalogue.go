package dispatch

import (
	"sync"

	"github.com/veilmux/core/internal/consensus"
)

// HealthState classifies one catalogued exit's recent probe history, per
// spec.md §4.10: "classify HEALTHY on three consecutive successes,
// DEGRADED on one failure, UNHEALTHY after three consecutive failures."
type HealthState int

const (
	Unhealthy HealthState = iota
	Degraded
	Healthy
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// CatalogueEntry is one exit process known to this handler, as last
// replicated through consensus.
type CatalogueEntry struct {
	NodeID  string
	Group   int32
	Address string
	Weight  int

	mu              sync.Mutex
	health          HealthState
	consecutiveOK   int
	consecutiveFail int
}

// Health returns the entry's current classification.
func (e *CatalogueEntry) Health() HealthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// recordSuccess registers one successful probe. An entry only becomes
// HEALTHY after three consecutive successes, whatever state it held
// before — a single success out of UNHEALTHY starts the climb back but
// does not itself make the exit selectable.
func (e *CatalogueEntry) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFail = 0
	e.consecutiveOK++
	if e.consecutiveOK >= 3 {
		e.health = Healthy
	}
}

// recordFailure registers one failed probe: the first failure demotes a
// HEALTHY entry to DEGRADED, and the third consecutive failure demotes it
// further to UNHEALTHY.
func (e *CatalogueEntry) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveOK = 0
	e.consecutiveFail++
	switch {
	case e.consecutiveFail >= 3:
		e.health = Unhealthy
	default:
		e.health = Degraded
	}
}

// Catalogue is the handler's local view of every exit process, kept
// current by committed EXIT_CATALOGUE log entries. It implements
// consensus.CatalogueApplier so a consensus.Node can drive it directly
// without internal/dispatch leaking back into internal/consensus.
type Catalogue struct {
	mu      sync.RWMutex
	entries map[string]*CatalogueEntry
}

func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[string]*CatalogueEntry)}
}

// ApplyCatalogueDelta implements consensus.CatalogueApplier.
func (c *Catalogue) ApplyCatalogueDelta(delta consensus.CatalogueDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delta.Remove {
		delete(c.entries, delta.NodeID)
		return
	}

	e, ok := c.entries[delta.NodeID]
	if !ok {
		// A newly catalogued exit starts UNHEALTHY: it must prove itself
		// over three successful probes before it is ever selected.
		e = &CatalogueEntry{NodeID: delta.NodeID}
		c.entries[delta.NodeID] = e
	}
	e.Group = delta.Group
	e.Address = delta.Address
	e.Weight = delta.Weight
}

// Snapshot returns every known entry.
func (c *Catalogue) Snapshot() []*CatalogueEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*CatalogueEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

func (c *Catalogue) get(nodeID string) (*CatalogueEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[nodeID]
	return e, ok
}
