package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16480,
	WriteBufferSize: 16480,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept completes a server-side upgrade from an incoming HTTP request,
// generalizing the teacher's server.WebSocket.handshake finisher closure
// (internal/server/websocket.go). The returned Tunnel is considered
// unauthenticated until the caller drives the auth handshake to completion;
// UnauthenticatedDeadline arms the 10 s timeout named in spec.md §4.4.
func Accept(w http.ResponseWriter, r *http.Request) (*Tunnel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errs.New(errs.Malformed, "transport.Accept", err)
	}
	t := NewTunnel(conn)
	return t, nil
}

// HiddenData extracts the base64 "hidden" header the auth engine's sealed
// AUTH_REQUEST envelope travels in, per the teacher's unmarshalHidden
// convention in internal/server/websocket.go.
func HiddenData(r *http.Request) string {
	return r.Header.Get("hidden")
}

// UnauthenticatedDeadline closes t with CloseUnauthenticated if authenticated
// is never called within spec.md §4.4's 10 s budget for server-side tunnels
// bound to unauthenticated sessions.
func UnauthenticatedDeadline(t *Tunnel, authenticated <-chan struct{}) {
	timer := time.NewTimer(UnauthenticatedTTL)
	go func() {
		defer timer.Stop()
		select {
		case <-authenticated:
			return
		case <-timer.C:
			log.Warn("transport: unauthenticated tunnel exceeded handshake budget")
			t.Close(CloseUnauthenticated)
		case <-t.closeCh:
			return
		}
	}()
}
