// Package transport implements the Tunnel Transport (component C4): a
// framed, ordered, full-duplex carrier over a TLS-terminated WebSocket
// upgrade, generalizing the teacher's split between
// internal/client/websocket.go (dial half) and internal/server/websocket.go
// (accept half) into one bidirectional type shared by both roles.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
)

// Timing constants from spec.md §4.4.
const (
	PingInterval       = 30 * time.Second
	PongTimeout        = 90 * time.Second
	UnauthenticatedTTL = 10 * time.Second

	HighWaterMark = 256
	LowWaterMark  = 64
)

// CloseReason names why a Tunnel was torn down, surfaced to callers so the
// fabric layer can decide whether to reconnect.
type CloseReason int

const (
	CloseUnspecified CloseReason = iota
	CloseLiveness
	CloseLocal
	CloseRemote
	CloseUnauthenticated
)

func (r CloseReason) String() string {
	switch r {
	case CloseLiveness:
		return "LIVENESS"
	case CloseLocal:
		return "LOCAL"
	case CloseRemote:
		return "REMOTE"
	case CloseUnauthenticated:
		return "UNAUTHENTICATED"
	default:
		return "UNSPECIFIED"
	}
}

// Tunnel is a duplex framed carrier: send(frame)/recv()/close(reason), per
// spec.md §4.4. It owns a single writer goroutine draining an outbound
// queue, matching the teacher's switchboard.send single-writer discipline
// (internal/multiplex/switchboard.go) so concurrent Send callers never race
// on the underlying websocket connection.
type Tunnel struct {
	conn *websocket.Conn

	outbound chan []byte
	inbound  chan []byte

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
	reason    CloseReason

	lastPong atomic64
}

// atomic64 stores a unix-nano timestamp without pulling in sync/atomic's
// verbose API at every call site.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) set(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) get() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewTunnel wraps an already-upgraded websocket connection. Callers obtain
// the connection from Dial (client role) or Accept (server role).
func NewTunnel(conn *websocket.Conn) *Tunnel {
	t := &Tunnel{
		conn:     conn,
		outbound: make(chan []byte, HighWaterMark),
		inbound:  make(chan []byte, HighWaterMark),
		closeCh:  make(chan struct{}),
	}
	t.lastPong.set(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		t.lastPong.set(time.Now().UnixNano())
		return nil
	})
	go t.writeLoop()
	go t.readLoop()
	go t.livenessLoop()
	return t
}

// Send enqueues a frame for transmission, cooperatively blocking when the
// outbound queue is at or above HighWaterMark until it drains back to
// LowWaterMark, per spec.md §4.4's back-pressure requirement.
func (t *Tunnel) Send(ctx context.Context, payload []byte) error {
	for waiting := len(t.outbound) >= HighWaterMark; waiting; waiting = len(t.outbound) >= LowWaterMark {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closeCh:
			return errs.New(errs.Unavailable, "transport.Send", errTunnelClosed)
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case t.outbound <- payload:
		return nil
	case <-t.closeCh:
		return errs.New(errs.Unavailable, "transport.Send", errTunnelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a frame arrives or the tunnel closes.
func (t *Tunnel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-t.inbound:
		if !ok {
			return nil, errs.New(errs.Unavailable, "transport.Recv", errTunnelClosed)
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the tunnel idempotently and records why, so the caller
// (usually the fabric layer) can decide on reconnect policy.
func (t *Tunnel) Close(reason CloseReason) error {
	var err error
	t.closeOnce.Do(func() {
		t.reason = reason
		close(t.closeCh)
		err = t.conn.Close()
	})
	return err
}

func (t *Tunnel) CloseReason() CloseReason { return t.reason }

// Done reports the tunnel's terminal channel, closed once Close runs for
// any reason (local request, remote disconnect, or liveness timeout), so
// a caller holding a session on top of this tunnel knows when to tear it
// down instead of leaking it.
func (t *Tunnel) Done() <-chan struct{} { return t.closeCh }

func (t *Tunnel) writeLoop() {
	for {
		select {
		case b := <-t.outbound:
			if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				log.WithError(err).Debug("transport: write failed")
				t.Close(CloseRemote)
				return
			}
		case <-t.closeCh:
			return
		}
	}
}

func (t *Tunnel) readLoop() {
	defer close(t.inbound)
	for {
		_, b, err := t.conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("transport: read failed")
			t.Close(CloseRemote)
			return
		}
		select {
		case t.inbound <- b:
		case <-t.closeCh:
			return
		}
	}
}

// livenessLoop issues a PING every PingInterval, whether or not the tunnel
// carried traffic in that interval, and closes the tunnel with
// CloseLiveness when a tick finds no PONG seen for PongTimeout. The PING
// goes through WriteControl, which gorilla/websocket allows concurrently
// with writeLoop's writes.
func (t *Tunnel) livenessLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(PingInterval)); err != nil {
				t.Close(CloseRemote)
				return
			}
			since := time.Since(time.Unix(0, t.lastPong.get()))
			if since > PongTimeout {
				log.Warn("transport: missed pong, closing for liveness")
				t.Close(CloseLiveness)
				return
			}
		case <-t.closeCh:
			return
		}
	}
}
