// Command client runs the client role: it authenticates against a
// handler, dials the tunnel, and proxies a local TCP listener's
// connections through it, generalizing the teacher's cmd/ck-client
// (internal/client's BuildRequest+WebSocket+stream trio wired behind a
// local listening proxy) to this engine's C2/C4/C6/C7 components. It is a
// thin front end over the internal/ packages, not itself part of the
// specified engine.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/config"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/logging"
)

func main() {
	cfg, err := configFromEnv()
	if err != nil {
		log.WithError(err).Fatal("client: invalid configuration")
	}

	logging.New(logging.Config{Level: envOr("LOG_LEVEL", "info"), Component: "client"})

	if err := Run(context.Background(), cfg); err != nil {
		log.WithError(err).Error("client exited")
		os.Exit(1)
	}
}

// configFromEnv builds a Config from a handful of environment variables,
// matching cmd/handler and cmd/exit's "no flag/config-file parsing" front
// end: a real deployment's CLI replaces this function entirely.
func configFromEnv() (config.ClientConfig, error) {
	var cfg config.ClientConfig
	cfg.RemoteHost = envOr("VEILMUX_REMOTE_HOST", "127.0.0.1")
	cfg.RemotePort = envOr("VEILMUX_REMOTE_PORT", "8443")
	cfg.HiddenDataB64 = envOr("VEILMUX_HIDDEN_DATA", "")
	cfg.Target = envOr("VEILMUX_TARGET", "127.0.0.1:80")
	cfg.Listen.Address = envOr("VEILMUX_CLIENT_LISTEN", "127.0.0.1:1080")
	cfg.UserID = uint64(envOrInt("VEILMUX_USER_ID", 0))

	secretHex := os.Getenv("VEILMUX_HMAC_SECRET")
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return cfg, errs.New(errs.Malformed, "client.configFromEnv", err)
	}
	cfg.HMACSecret = secret

	pubB64 := os.Getenv("VEILMUX_SERVER_PUBLIC_KEY")
	pubBytes, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil || len(pubBytes) != 32 {
		return cfg, errs.New(errs.Malformed, "client.configFromEnv", errBadServerPublicKey)
	}
	copy(cfg.ServerPublicKey[:], pubBytes)

	return cfg, nil
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
