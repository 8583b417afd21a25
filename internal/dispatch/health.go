package dispatch

import (
	"context"
	"time"

	"github.com/veilmux/core/internal/metrics"
)

// probeInterval and probeTimeout match spec.md §4.10's health probe loop
// and the transport timeout table.
const (
	probeInterval = 10 * time.Second
	probeTimeout  = 2 * time.Second
)

// Prober runs the background health-check loop against every catalogued
// exit, generalizing original_source's exit_pool::start_health_checker
// ticker into a ping over the framed TCP wire instead of an HTTP probe.
type Prober struct {
	catalogue *Catalogue
	dialer    Dialer
}

func NewProber(catalogue *Catalogue, dialer Dialer) *Prober {
	return &Prober{catalogue: catalogue, dialer: dialer}
}

// Run blocks, probing every catalogued exit once per probeInterval, until
// ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Prober) probeAll() {
	for _, e := range p.catalogue.Snapshot() {
		go p.probeOne(e)
	}
}

func (p *Prober) probeOne(e *CatalogueEntry) {
	if p.ping(e.Address) {
		e.recordSuccess()
	} else {
		e.recordFailure()
	}
	metrics.ExitHealth.WithLabelValues(e.NodeID).Set(healthMetricValue(e.Health()))
}

// ping dials the exit fresh and round-trips one zero-payload packet on
// the reserved ping connection id, expecting it echoed back.
func (p *Prober) ping(addr string) bool {
	conn, err := p.dialer.Dial("tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(probeTimeout))
	if _, err := conn.Write(EncodePacket(&Packet{ConnID: PingConnID})); err != nil {
		return false
	}
	reply, err := ReadPacket(conn)
	if err != nil {
		return false
	}
	return reply.ConnID == PingConnID
}

func healthMetricValue(h HealthState) float64 {
	switch h {
	case Healthy:
		return 2
	case Degraded:
		return 1
	default:
		return 0
	}
}
