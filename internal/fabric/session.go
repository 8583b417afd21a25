// Package fabric implements the Connection Fabric (component C7):
// multiplexing many target connections over one tunnel, generalizing the
// teacher's Session/Stream/switchboard trio (internal/multiplex) from a
// sequence-numbered stream model to the spec's conn_id-addressed, flag-only
// frame model.
package fabric

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/frame"
	"github.com/veilmux/core/internal/metrics"
	"github.com/veilmux/core/internal/obfs"
	"github.com/veilmux/core/internal/transport"
)

// fairnessQuantum is the maximum number of bytes the writer drains from any
// one flow's egress queue per round, per spec.md §4.7: "no single
// connection may starve others for more than one quantum."
const fairnessQuantum = 16 * 1024

// idlePollInterval is how often the writer re-checks for egress work when a
// full round yields nothing, avoiding a busy loop while keeping fairness
// cheap to reason about (no reflect.Select over a dynamic channel set).
const idlePollInterval = 2 * time.Millisecond

// ControlHandler receives decoded control frames the session itself doesn't
// own interpreting (ping/pong are answered inline; everything else is
// forwarded here, typically to the auth and consensus layers). The session
// is passed explicitly so a handler can call SendControl on the session
// that received the frame without capturing it from an outer closure that
// might not be assigned yet when the first frame arrives.
type ControlHandler func(s *Session, c *frame.Control)

// Session binds one transport.Tunnel to its connection table and
// obfuscation pipeline, and runs the read/write loops that turn tunnel
// bytes into Flow traffic and back, generalizing the teacher's
// Session+switchboard split into one type per tunnel.
type Session struct {
	ID uint64

	Tunnel   *transport.Tunnel
	Pipeline *obfs.Pipeline
	Table    *Table
	Valve    *Valve

	OnNewFlow func(*Flow)
	OnControl ControlHandler

	injector *obfs.Injector

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wires the read/write loops and starts them, per spec.md §4.7.
// onControl is set on the struct before either loop starts so handleControl
// never races a late field assignment against the already-running
// readLoop. Fails only if the per-session connection-id allocator cannot
// draw its decorrelation salt from the entropy source.
func NewSession(id uint64, tunnel *transport.Tunnel, sessionKey [32]byte, onNewFlow func(*Flow), onControl ControlHandler) (*Session, error) {
	table, err := newTable()
	if err != nil {
		return nil, errs.New(errs.Exhausted, "fabric.NewSession", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		Tunnel:    tunnel,
		Pipeline:  &obfs.Pipeline{SessionKey: sessionKey},
		Table:     table,
		Valve:     Unlimited(),
		OnNewFlow: onNewFlow,
		OnControl: onControl,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.injector = obfs.NewInjector(s.emitNoise)
	metrics.ActiveSessions.Inc()
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// emitNoise sends one fake-traffic frame, per spec.md §4.3's idle-decoy
// requirement, generalizing the teacher's keepalive timer
// (internal/multiplex/session.go's checkTimeout) into padding traffic
// instead of a liveness probe.
func (s *Session) emitNoise() {
	noise, err := obfs.FakeFrameNoise()
	if err != nil {
		log.WithError(err).Warn("fabric: skipping decoy frame, entropy source exhausted")
		return
	}
	f := &frame.Frame{
		ConnID:  frame.ControlConnID,
		Flags:   frame.FlagNoise,
		UUID:    frame.NewUUID(),
		Payload: noise,
	}
	encoded, err := s.Pipeline.Obfuscate(f)
	if err != nil {
		return
	}
	_ = s.Tunnel.Send(s.ctx, encoded)
}

// Done reports the session's terminal channel, closed once Close runs,
// used by the hub to know when a tracked session can be forgotten.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Close tears down every flow and the underlying tunnel.
func (s *Session) Close(reason transport.CloseReason) {
	s.cancel()
	s.injector.Stop()
	for _, f := range s.Table.all() {
		f.markClosed()
		s.Table.remove(f.ID)
	}
	s.Tunnel.Close(reason)
	metrics.ActiveSessions.Dec()
}

// OpenFlow allocates a new locally-initiated connection id, per spec.md
// §4.7's "ingress from the client side" id-allocation rule — used by the
// client role when a new target is dialled locally.
func (s *Session) OpenFlow() (*Flow, error) {
	f, ok := s.Table.allocate()
	if !ok {
		return nil, errs.New(errs.Exhausted, "fabric.OpenFlow", errConnectionCapExceeded)
	}
	metrics.ActiveFlows.Inc()
	return f, nil
}

// SendFin half-closes a flow from this side.
func (s *Session) SendFin(f *Flow) error {
	f.markHalfClosed()
	return s.sendDataFrame(f.ID, nil, frame.FlagFin)
}

// SendReset tears a flow down from this side and notifies the peer.
func (s *Session) SendReset(f *Flow) error {
	f.markClosed()
	s.Table.remove(f.ID)
	metrics.ActiveFlows.Dec()
	return s.sendDataFrame(f.ID, nil, frame.FlagReset)
}

func (s *Session) sendDataFrame(connID uint64, payload []byte, extraFlags uint8) error {
	f := &frame.Frame{
		ConnID:  connID,
		Flags:   frame.FlagData | extraFlags,
		UUID:    frame.NewUUID(),
		Payload: frame.PrependConnID(connID, payload),
	}
	encoded, err := s.Pipeline.Obfuscate(f)
	if err != nil {
		return err
	}
	s.injector.Reset()
	return s.Tunnel.Send(s.ctx, encoded)
}

// SendControl wraps and sends a control frame, used by the Hub's
// broadcasts (the auth engine's Broadcaster), the inline PONG reply and
// the handler's DoH responses.
func (s *Session) SendControl(c *frame.Control) error {
	body, err := frame.EncodeControl(c)
	if err != nil {
		return err
	}
	f := &frame.Frame{
		ConnID:  frame.ControlConnID,
		Flags:   frame.FlagControl,
		UUID:    frame.NewUUID(),
		Payload: body,
	}
	encoded, err := s.Pipeline.Obfuscate(f)
	if err != nil {
		return err
	}
	s.injector.Reset()
	return s.Tunnel.Send(s.ctx, encoded)
}

func (s *Session) readLoop() {
	for {
		raw, err := s.Tunnel.Recv(s.ctx)
		if err != nil {
			return
		}
		f, err := s.Pipeline.Deobfuscate(raw)
		if err != nil {
			metrics.FrameErrors.WithLabelValues(errs.KindOf(err).String()).Inc()
			log.WithError(err).Debug("fabric: dropping undecodable frame")
			continue
		}
		if f.IsNoise() {
			continue
		}
		s.injector.Reset()

		kind := "data"
		if f.IsControl() {
			kind = "control"
		}
		metrics.FramesDecoded.WithLabelValues(kind).Inc()

		if f.IsControl() {
			s.handleControl(f)
			continue
		}
		s.handleData(f)
	}
}

func (s *Session) handleControl(f *frame.Frame) {
	c, err := frame.DecodeControl(f.Payload)
	if err != nil {
		log.WithError(err).Debug("fabric: malformed control frame")
		return
	}
	switch c.Kind {
	case frame.ControlPing:
		_ = s.SendControl(&frame.Control{Kind: frame.ControlPong})
	case frame.ControlPong:
		// liveness is tracked at the transport layer via websocket pong frames;
		// an application-level pong needs no further action here.
	default:
		if s.OnControl != nil {
			s.OnControl(s, c)
		}
	}
}

func (s *Session) handleData(f *frame.Frame) {
	if len(f.Payload) < 8 {
		return
	}
	payload := f.Payload[8:]

	fl, ok := s.Table.get(f.ConnID)
	if !ok {
		if f.IsReset() || f.IsFin() {
			return
		}
		var allocErr bool
		fl, allocErr = s.admitUnknown(f.ConnID)
		if !allocErr {
			return
		}
	}

	switch {
	case f.IsReset():
		fl.markClosed()
		s.Table.remove(fl.ID)
		metrics.ActiveFlows.Dec()
	case f.IsFin():
		fl.markHalfClosed()
		if len(payload) > 0 {
			s.deliver(fl, payload)
		}
	default:
		s.deliver(fl, payload)
	}
}

// admitUnknown implements spec.md §4.7: "A frame for an unknown id opens a
// new connection if the tunnel has capacity, else replies with a RESET
// frame."
func (s *Session) admitUnknown(connID uint64) (*Flow, bool) {
	fl := newFlow(connID)
	if !s.Table.insert(fl) {
		_ = s.sendDataFrame(connID, nil, frame.FlagReset)
		return nil, false
	}
	metrics.ActiveFlows.Inc()
	if s.OnNewFlow != nil {
		s.OnNewFlow(fl)
	}
	return fl, true
}

func (s *Session) deliver(fl *Flow, payload []byte) {
	cp := append([]byte(nil), payload...)
	select {
	case fl.ingress <- cp:
	case <-fl.closed:
	case <-s.ctx.Done():
	}
}

// writeLoop implements spec.md §4.7's fairness requirement: weighted
// round-robin over non-empty egress queues, draining at most
// fairnessQuantum bytes from any one flow before moving on.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		flows := s.Table.all()
		did := false
		for _, fl := range flows {
			if s.drainOneRound(fl) {
				did = true
			}
		}
		if !did {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(idlePollInterval):
			}
		}
	}
}

// drainOneRound sends up to fairnessQuantum bytes queued on fl's egress
// channel, returning whether any work was done.
func (s *Session) drainOneRound(fl *Flow) bool {
	sent := 0
	did := false
	for sent < fairnessQuantum {
		select {
		case chunk, ok := <-fl.egress:
			if !ok {
				return did
			}
			if err := s.sendDataFrame(fl.ID, chunk, 0); err != nil {
				log.WithError(err).Debug("fabric: failed to send egress chunk")
				return did
			}
			sent += len(chunk)
			did = true
		default:
			return did
		}
	}
	return did
}
