// Command handler runs the tunnel-terminating role: it serves the
// stateless token endpoint, accepts tunnels, multiplexes flows across
// them, dispatches flow traffic to exit nodes, and participates in the
// replicated log that tracks connection state. It is a thin front end
// over the internal/ packages, not itself part of the specified engine —
// a real deployment's CLI/config-file front end builds the Config this
// package's Run consumes.
package main

import (
	"context"
	"errors"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/config"
	"github.com/veilmux/core/internal/consensus"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/logging"
)

var errNotANumber = errors.New("handler: not a number")

func main() {
	cfg := configFromEnv()

	logging.New(logging.Config{Level: envOr("LOG_LEVEL", "info"), Component: "handler"})

	if err := Run(context.Background(), cfg); err != nil {
		log.WithError(err).Error("handler exited")
		if k := errs.KindOf(err); k == errs.StoreIo || k == errs.Consistency {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// configFromEnv builds a Config from a handful of environment variables
// naming paths and addresses. This is not a configuration file or flag
// parser: every structural default still comes from config.DefaultXConfig;
// a real deployment's front end is expected to replace this function
// entirely.
func configFromEnv() config.HandlerConfig {
	cfg := config.HandlerConfig{
		Tunnel:   config.DefaultTunnelConfig(),
		Auth:     config.DefaultAuthConfig(),
		Dispatch: config.DefaultDispatchConfig(),
		Export:   config.DefaultExportConfig(),
	}
	cfg.Auth.KeystorePath = envOr("VEILMUX_KEYSTORE", "./handler-keystore.db")
	cfg.Store.Dir = envOr("VEILMUX_STORE_DIR", "./data")
	cfg.Export.SinkDir = envOr("VEILMUX_EXPORT_DIR", "./export")
	cfg.Listen.Address = envOr("VEILMUX_LISTEN", ":8443")
	cfg.Operator.Listen.Address = envOr("VEILMUX_OPERATOR_LISTEN", ":8444")
	cfg.Consensus.Listen.Address = envOr("VEILMUX_CONSENSUS_LISTEN", ":8445")
	cfg.Consensus.Node.ID = consensus.NodeID(envOrInt("VEILMUX_NODE_ID", 1))
	cfg.Consensus.Node.Voting = true
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
	n, err := parseInt(v)
	if err != nil {
		return def
	}
	return n
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, errNotANumber
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errNotANumber
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
