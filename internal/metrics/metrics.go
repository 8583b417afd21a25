// Package metrics exposes the Prometheus counters and gauges every
// component increments, wired the way katzenpost's server package wires
// prometheus/client_golang: a process-wide registry, package-level
// collectors, and a promhttp handler mounted on the operator surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the process-wide collector registry. The collectors below
// register on it rather than on the global default registry.
var Registry = prometheus.NewRegistry()

var (
	FramesDecoded = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "veilmux_frames_decoded_total",
		Help: "Frames successfully decoded by the frame codec.",
	}, []string{"kind"})

	FrameErrors = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "veilmux_frame_errors_total",
		Help: "Frame decode failures by error kind.",
	}, []string{"kind"})

	AuthOutcomes = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "veilmux_auth_outcomes_total",
		Help: "Authentication handshake outcomes.",
	}, []string{"outcome"})

	ReplayRejections = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "veilmux_replay_rejections_total",
		Help: "Requests rejected by the replay defence store.",
	})

	ActiveSessions = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "veilmux_active_sessions",
		Help: "Currently established tunnels.",
	})

	ActiveFlows = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "veilmux_active_flows",
		Help: "Currently multiplexed connections across all tunnels.",
	})

	StoreSegments = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "veilmux_store_sealed_segments",
		Help: "Sealed segments currently held by the MVCC store.",
	})

	ConsensusTerm = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "veilmux_consensus_term",
		Help: "Current consensus term observed by this node.",
	})

	ExitDispatches = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "veilmux_exit_dispatches_total",
		Help: "Connections dispatched to an exit node, by node id and outcome.",
	}, []string{"node", "outcome"})

	ExitHealth = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "veilmux_exit_health",
		Help: "Exit node health: 2=healthy, 1=degraded, 0=unhealthy.",
	}, []string{"node"})
)
