package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilmux/core/internal/errs"
)

// DialConfig names the client-side endpoint and camouflage parameters.
type DialConfig struct {
	RemoteHost    string
	RemotePort    string
	TLSConfig     *tls.Config
	HiddenDataB64 string
	BearerToken   string
	HandshakeTTL  time.Duration
}

// Dial opens a TLS-terminated WebSocket upgrade to the handler, presenting
// the browser-camouflaged header set, generalizing the teacher's
// client.WebSocket.PrepareConnection (internal/client/websocket.go).
func Dial(ctx context.Context, cfg DialConfig) (*Tunnel, error) {
	u := url.URL{Scheme: "wss", Host: cfg.RemoteHost + ":" + cfg.RemotePort, Path: "/v1/connect"}

	ttl := cfg.HandshakeTTL
	if ttl == 0 {
		ttl = UnauthenticatedTTL
	}
	dialCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	dialer := &websocket.Dialer{
		TLSClientConfig:  cfg.TLSConfig,
		HandshakeTimeout: ttl,
		ReadBufferSize:   16480,
		WriteBufferSize:  16480,
	}

	header := BrowserHeaders(cfg.HiddenDataB64)
	if cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, errs.New(errs.Unavailable, "transport.Dial", fmt.Errorf("upgrade failed: %w", err))
	}
	return NewTunnel(conn), nil
}
