package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/auth"
	"github.com/veilmux/core/internal/config"
	vcrypto "github.com/veilmux/core/internal/crypto"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/fabric"
	"github.com/veilmux/core/internal/transport"
)

var errBadServerPublicKey = errors.New("client: VEILMUX_SERVER_PUBLIC_KEY must decode to 32 bytes")

// authenticateTimeout bounds the stateless retrieve-token round trip.
const authenticateTimeout = 10 * time.Second

// Run authenticates once, dials the tunnel, and proxies every connection
// accepted on cfg.Listen to cfg.Target through it until ctx is cancelled,
// per spec.md §4.6/§4.4/§4.7.
func Run(ctx context.Context, cfg config.ClientConfig) error {
	token, encoded, err := authenticate(ctx, cfg)
	if err != nil {
		return err
	}

	tunnel, err := transport.Dial(ctx, transport.DialConfig{
		RemoteHost:    cfg.RemoteHost,
		RemotePort:    cfg.RemotePort,
		TLSConfig:     cfg.TLSConfig,
		HiddenDataB64: cfg.HiddenDataB64,
		BearerToken:   encoded,
	})
	if err != nil {
		return err
	}

	sessionKeyBytes, err := vcrypto.DeriveKey(token.Payload.Nonce[:], nil, []byte("veilmux-session-key"), vcrypto.KeySize)
	if err != nil {
		tunnel.Close(transport.CloseLocal)
		return errs.New(errs.Crypto, "client.Run", err)
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)

	session, err := fabric.NewSession(1, tunnel, sessionKey, nil, nil)
	if err != nil {
		tunnel.Close(transport.CloseLocal)
		return err
	}
	defer session.Close(transport.CloseLocal)

	ln, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return errs.New(errs.Unavailable, "client.Run", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.New(errs.Unavailable, "client.Run", err)
			}
		}
		go proxyConn(session, conn, cfg.Target)
	}
}

// authenticate runs the two-step handshake against the stateless
// retrieve-token endpoint, per spec.md §4.6, and returns the encoded
// single-use token the tunnel dial presents as a bearer credential.
func authenticate(ctx context.Context, cfg config.ClientConfig) (*auth.Token, string, error) {
	env, _, ephPrivate, err := auth.BuildRequest(cfg.ServerPublicKey, cfg.UserID, cfg.HMACSecret, time.Now())
	if err != nil {
		return nil, "", err
	}

	body, err := cbor.Marshal(env)
	if err != nil {
		return nil, "", errs.New(errs.Crypto, "client.authenticate", err)
	}

	url := fmt.Sprintf("https://%s:%s/retrieve-token", cfg.RemoteHost, cfg.RemotePort)
	reqCtx, cancel := context.WithTimeout(ctx, authenticateTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "", errs.New(errs.Unavailable, "client.authenticate", err)
	}
	httpReq.Header.Set("Content-Type", "application/cbor")

	httpClient := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg.TLSConfig}}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, "", errs.New(errs.Unavailable, "client.authenticate", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, "", errs.New(errs.Unauthenticated, "client.authenticate", fmt.Errorf("retrieve-token: status %d", httpResp.StatusCode))
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, "", errs.New(errs.Unavailable, "client.authenticate", err)
	}
	var outEnv vcrypto.SealedEnvelope
	if err := cbor.Unmarshal(respBody, &outEnv); err != nil {
		return nil, "", errs.New(errs.Malformed, "client.authenticate", err)
	}

	plain, err := vcrypto.OpenHybrid(ephPrivate, &outEnv)
	if err != nil {
		return nil, "", errs.New(errs.Crypto, "client.authenticate", err)
	}
	var resp auth.Response
	if err := cbor.Unmarshal(plain, &resp); err != nil {
		return nil, "", errs.New(errs.Malformed, "client.authenticate", err)
	}
	if resp.Warning != nil {
		log.WithField("level", resp.Warning.Level).Warn("client: handler signalled emergency state")
	}

	encoded, err := auth.EncodeToken(&resp.Token)
	if err != nil {
		return nil, "", err
	}
	return &resp.Token, encoded, nil
}

// proxyConn opens a flow for one locally accepted connection, names its
// target with the first frame per pumpFlow's convention
// (cmd/handler/server.go), and relays bytes in both directions until
// either side closes.
func proxyConn(session *fabric.Session, conn net.Conn, target string) {
	defer conn.Close()

	f, err := session.OpenFlow()
	if err != nil {
		log.WithError(err).Debug("client: failed to open flow")
		return
	}
	defer session.SendReset(f)

	if !f.Write([]byte(target)) {
		return
	}

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !f.Write(chunk) {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-f.Ingress():
			if !ok {
				return
			}
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		case <-f.Done():
			return
		}
	}
}
