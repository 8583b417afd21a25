package fabric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/veilmux/core/internal/transport"
)

func newSessionPair(t *testing.T, onServerFlow func(*Flow)) (client, server *Session, cleanup func()) {
	t.Helper()
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	serverReady := make(chan *transport.Tunnel, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/connect", func(w http.ResponseWriter, r *http.Request) {
		tun, err := transport.Accept(w, r)
		require.NoError(t, err)
		serverReady <- tun
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/connect"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	clientTunnel := transport.NewTunnel(conn)
	serverTunnel := <-serverReady

	clientSession, err := NewSession(1, clientTunnel, key, nil, nil)
	require.NoError(t, err)
	serverSession, err := NewSession(2, serverTunnel, key, onServerFlow, nil)
	require.NoError(t, err)

	return clientSession, serverSession, func() {
		clientSession.Close(transport.CloseLocal)
		serverSession.Close(transport.CloseLocal)
	}
}

func TestFlowDataRoundTrip(t *testing.T) {
	newFlowCh := make(chan *Flow, 1)
	client, _, cleanup := newSessionPair(t, func(f *Flow) { newFlowCh <- f })
	defer cleanup()

	flow, err := client.OpenFlow()
	require.NoError(t, err)
	require.True(t, flow.Write([]byte("ping")))

	var serverFlow *Flow
	select {
	case serverFlow = <-newFlowCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new flow notification")
	}

	var got []byte
	select {
	case got = <-serverFlow.Ingress():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data on server flow")
	}
	require.Equal(t, "ping", string(got))
}

func TestResetTearsDownBothSides(t *testing.T) {
	newFlowCh := make(chan *Flow, 1)
	client, _, cleanup := newSessionPair(t, func(f *Flow) { newFlowCh <- f })
	defer cleanup()

	flow, err := client.OpenFlow()
	require.NoError(t, err)
	require.True(t, flow.Write([]byte("x")))

	var serverFlow *Flow
	select {
	case serverFlow = <-newFlowCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flow")
	}
	<-serverFlow.Ingress()

	require.NoError(t, client.SendReset(flow))

	select {
	case <-serverFlow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server flow was not closed after RESET")
	}
}

func TestFinHalfClosesWithoutTearingDown(t *testing.T) {
	newFlowCh := make(chan *Flow, 1)
	client, _, cleanup := newSessionPair(t, func(f *Flow) { newFlowCh <- f })
	defer cleanup()

	flow, err := client.OpenFlow()
	require.NoError(t, err)
	require.True(t, flow.Write([]byte("x")))

	var serverFlow *Flow
	select {
	case serverFlow = <-newFlowCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flow")
	}
	<-serverFlow.Ingress()

	require.NoError(t, client.SendFin(flow))

	select {
	case <-serverFlow.HalfClosed():
	case <-time.After(2 * time.Second):
		t.Fatal("server flow did not observe half-close after FIN")
	}

	select {
	case <-serverFlow.Done():
		t.Fatal("half-close must not tear the flow down")
	default:
	}
	require.Equal(t, FlowHalfClosed, serverFlow.State())
}
