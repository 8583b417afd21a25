package consensus

import (
	"crypto/tls"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/veilmux/core/internal/errs"
)

// dialTimeout bounds how long a peer RPC dial may take before the caller
// treats the peer as unreachable for this round.
const dialTimeout = 2 * time.Second

// Listen opens a listener for consensus RPC traffic, TLS-wrapped when
// tlsConfig is non-nil (production) or plain TCP when nil (tests and
// same-host development clusters), the same transport-agnostic style the
// teacher uses for its plain net.Conn abstractions in internal/server/
// websocket.go.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", addr, tlsConfig)
	}
	return net.Listen("tcp", addr)
}

// Serve accepts connections from ln forever, handing each off to net/rpc.
// It returns when ln is closed.
func Serve(ln net.Listener, n *Node) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Consensus", NewRPCService(n)); err != nil {
		return errs.New(errs.Unknown, "consensus.Serve", err)
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go server.ServeConn(conn)
	}
}

// clientPool lazily dials and caches one *rpc.Client per peer, redialing on
// the next use after a failure rather than retrying immediately.
type clientPool struct {
	mu        sync.Mutex
	tlsConfig *tls.Config
	clients   map[NodeID]*rpc.Client
}

func newClientPool(tlsConfig *tls.Config) *clientPool {
	return &clientPool{tlsConfig: tlsConfig, clients: make(map[NodeID]*rpc.Client)}
}

func (p *clientPool) get(id NodeID, addr string) (*rpc.Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[id]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	var conn net.Conn
	var err error
	if p.tlsConfig != nil {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, p.tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, dialTimeout)
	}
	if err != nil {
		return nil, errs.New(errs.Unavailable, "consensus.clientPool.get", err)
	}
	client := rpc.NewClient(conn)

	p.mu.Lock()
	p.clients[id] = client
	p.mu.Unlock()
	return client, nil
}

// drop closes and forgets the cached client for id, forcing a redial next
// time, used after an RPC fails.
func (p *clientPool) drop(id NodeID) {
	p.mu.Lock()
	c, ok := p.clients[id]
	delete(p.clients, id)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.clients {
		c.Close()
		delete(p.clients, id)
	}
}
