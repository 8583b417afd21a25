package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (client, server *Tunnel, cleanup func()) {
	t.Helper()
	var serverTunnel *Tunnel
	ready := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/connect", func(w http.ResponseWriter, r *http.Request) {
		tun, err := Accept(w, r)
		require.NoError(t, err)
		serverTunnel = tun
		close(ready)
	})
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/connect"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	clientTunnel := NewTunnel(conn)

	<-ready
	return clientTunnel, serverTunnel, func() {
		clientTunnel.Close(CloseLocal)
		serverTunnel.Close(CloseLocal)
		srv.Close()
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server, cleanup := newPair(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte("hello")))
	got, err := server.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestRecvReturnsErrorAfterClose(t *testing.T) {
	client, server, cleanup := newPair(t)
	defer cleanup()

	server.Close(CloseLocal)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Recv(ctx)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, _, cleanup := newPair(t)
	defer cleanup()

	require.NoError(t, client.Close(CloseLocal))
	require.NoError(t, client.Close(CloseLocal))
	require.Equal(t, CloseLocal, client.CloseReason())
}
