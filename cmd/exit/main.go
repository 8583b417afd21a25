// Command exit runs the exit role: it joins consensus as a non-voting
// observer (per spec.md §4.9's "exit nodes are non-voting observers")
// and serves the handler-facing framed wire protocol defined in
// internal/dispatch, dialing each packet's target and relaying bytes in
// both directions. It is a thin front end over internal/dispatch and
// internal/consensus, not itself part of the specified engine.
package main

import (
	"context"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/config"
	"github.com/veilmux/core/internal/consensus"
	"github.com/veilmux/core/internal/dispatch"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/logging"
	"github.com/veilmux/core/internal/store"
)

func main() {
	cfg := configFromEnv()
	logging.New(logging.Config{Level: envOr("LOG_LEVEL", "info"), Component: "exit"})

	if err := Run(context.Background(), cfg); err != nil {
		log.WithError(err).Error("exit process exited")
		os.Exit(1)
	}
}

func configFromEnv() config.ExitConfig {
	var cfg config.ExitConfig
	cfg.Listen.Address = envOr("VEILMUX_EXIT_LISTEN", ":9000")
	cfg.Consensus.Listen.Address = envOr("VEILMUX_CONSENSUS_LISTEN", ":9001")
	cfg.Consensus.Node.ID = consensus.NodeID(envOrInt("VEILMUX_NODE_ID", 100))
	cfg.Consensus.Node.Voting = false
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return def
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Run joins consensus as a non-voting observer and serves the exit-ward
// wire protocol until ctx is cancelled.
func Run(ctx context.Context, cfg config.ExitConfig) error {
	// An exit node still applies committed log entries (a non-voting
	// observer keeps its local state machine caught up the same as a
	// voter), but has no use for the exit catalogue itself, so
	// StateMachine.Catalogue is left nil.
	node := consensus.NewNode(cfg.Consensus.Node, &consensus.StateMachine{Engine: emptyEngine()})
	defer node.Close()

	rpcLn, err := consensus.Listen(cfg.Consensus.Listen.Address, cfg.Consensus.Listen.TLSConfig)
	if err != nil {
		return errs.New(errs.Unavailable, "exit.Run", err)
	}
	go func() {
		if err := consensus.Serve(rpcLn, node); err != nil {
			log.WithError(err).Warn("exit: consensus RPC listener stopped")
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return errs.New(errs.Unavailable, "exit.Run", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
		rpcLn.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.New(errs.Unavailable, "exit.Run", err)
			}
		}
		go serveHandlerConn(conn)
	}
}

func emptyEngine() *store.Engine {
	e, err := store.Open(store.Config{})
	if err != nil {
		// in-memory Open (no Dir set) cannot fail; a failure here would be a
		// programming error in store.Open itself.
		panic(err)
	}
	return e
}

// serveHandlerConn reads framed packets off one handler connection
// forever, dialing each packet's target the first time its conn_id is
// seen and relaying bytes in both directions, per spec.md §4.10.
func serveHandlerConn(handlerConn net.Conn) {
	defer handlerConn.Close()

	targets := make(map[uint64]net.Conn)
	defer func() {
		for _, c := range targets {
			c.Close()
		}
	}()

	for {
		pkt, err := dispatch.ReadPacket(handlerConn)
		if err != nil {
			return
		}

		if pkt.ConnID == dispatch.PingConnID {
			handlerConn.Write(dispatch.EncodePacket(&dispatch.Packet{ConnID: dispatch.PingConnID}))
			continue
		}

		target, ok := targets[pkt.ConnID]
		if !ok {
			addr := dispatch.DecodeTargetAddr(pkt.Family, pkt.Addr, pkt.Port)
			target, err = net.DialTimeout("tcp", addr, 10*time.Second)
			if err != nil {
				log.WithError(err).WithField("target", addr).Debug("exit: dial failed")
				continue
			}
			targets[pkt.ConnID] = target
			go relayToHandler(handlerConn, target, pkt.ConnID, pkt.Family, pkt.Addr, pkt.Port)
		}

		if len(pkt.Payload) > 0 {
			if _, err := target.Write(pkt.Payload); err != nil {
				target.Close()
				delete(targets, pkt.ConnID)
			}
		}
	}
}

// relayToHandler copies bytes read from target back to the handler,
// framed with the same conn_id, until target is closed.
func relayToHandler(handlerConn net.Conn, target net.Conn, connID uint64, family uint8, addr [16]byte, port uint16) {
	buf := make([]byte, 32*1024)
	for {
		n, err := target.Read(buf)
		if n > 0 {
			pkt := &dispatch.Packet{ConnID: connID, Family: family, Addr: addr, Port: port, Payload: buf[:n]}
			if _, werr := handlerConn.Write(dispatch.EncodePacket(pkt)); werr != nil {
				target.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}
