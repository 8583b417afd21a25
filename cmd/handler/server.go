package main

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/ratelimit"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/auth"
	"github.com/veilmux/core/internal/config"
	"github.com/veilmux/core/internal/consensus"
	vcrypto "github.com/veilmux/core/internal/crypto"
	"github.com/veilmux/core/internal/dispatch"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/export"
	"github.com/veilmux/core/internal/fabric"
	"github.com/veilmux/core/internal/frame"
	"github.com/veilmux/core/internal/keystore"
	"github.com/veilmux/core/internal/opapi"
	"github.com/veilmux/core/internal/store"
	"github.com/veilmux/core/internal/transport"
)

// dohTimeout bounds how long the handler waits on an upstream resolver
// before giving up on a client's DOH_QUERY control frame.
const dohTimeout = 4 * time.Second

// dohUpstream is the plain DNS resolver the handler queries on behalf of a
// client's DOH_QUERY control frame, per spec.md §4.2's DNS-over-tunnel
// requirement; it is not configurable since Non-goals exclude resolver
// selection policy.
const dohUpstream = "1.1.1.1:53"

// handlerServer wires every component an instance of the handler role
// needs, generalizing the teacher's cmd/ck-server main into a long-lived
// struct instead of a flat sequence of package-level globals, so Run can
// be exercised from a test without touching the process's real stdio.
type handlerServer struct {
	cfg config.HandlerConfig

	keys   *keystore.Store
	km     *auth.KeyManager
	engine *auth.Engine

	hub       *fabric.Hub
	sessionID uint64

	store      *store.Engine
	node       *consensus.Node
	catalogue  *dispatch.Catalogue
	dispatcher *dispatch.Dispatcher
	prober     *dispatch.Prober
	operator   *auth.OperatorSource
	exporter   *export.Exporter

	tokenLimiters sync.Map // [16]byte (remote addr) -> *ratelimit.Bucket
}

// Run builds every component named in cfg and blocks until ctx is
// cancelled, per SPEC_FULL.md §1: cmd/handler is a thin front end over
// the internal/ packages.
func Run(ctx context.Context, cfg config.HandlerConfig) error {
	hs, err := newHandlerServer(cfg)
	if err != nil {
		return err
	}
	defer hs.close()

	go hs.prober.Run(ctx)
	go hs.exporter.Run(ctx)
	go auth.NewWatcher(hs.engine.Emergency, hs.operator, cfg.Auth.EmergencyPoll).Run(ctx)
	go hs.runScheduledRotation(ctx)

	ln, err := consensus.Listen(cfg.Consensus.Listen.Address, cfg.Consensus.Listen.TLSConfig)
	if err != nil {
		return errs.New(errs.Unavailable, "handler.Run", err)
	}
	go func() {
		if err := consensus.Serve(ln, hs.node); err != nil {
			log.WithError(err).Warn("handler: consensus RPC listener stopped")
		}
	}()

	opSrv := &http.Server{Addr: cfg.Operator.Listen.Address, Handler: opapi.New(hs.keys, hs.node, hs.operator, hs.engine)}
	go func() {
		if err := opSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("handler: operator listener stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/retrieve-token", hs.retrieveTokenHlr)
	mux.HandleFunc("/v1/connect", hs.connectHlr)
	tunnelSrv := &http.Server{Addr: cfg.Listen.Address, TLSConfig: cfg.Listen.TLSConfig, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Listen.TLSConfig != nil {
			err = tunnelSrv.ListenAndServeTLS("", "")
		} else {
			err = tunnelSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return errs.New(errs.Unavailable, "handler.Run", err)
	}

	tunnelSrv.Close()
	opSrv.Close()
	hs.node.Close()
	return nil
}

func newHandlerServer(cfg config.HandlerConfig) (*handlerServer, error) {
	keys, err := keystore.Open(cfg.Auth.KeystorePath)
	if err != nil {
		return nil, errs.New(errs.StoreIo, "handler.newHandlerServer", err)
	}

	hub := fabric.NewHub()

	klt, err := keys.LoadLongTermKeys()
	var km *auth.KeyManager
	if err == keystore.ErrNotFound {
		km, err = bootstrapLongTermKeys(keys, hub)
		if err != nil {
			keys.Close()
			return nil, err
		}
	} else if err != nil {
		keys.Close()
		return nil, errs.New(errs.StoreIo, "handler.newHandlerServer", err)
	} else {
		km = auth.WithSecret(
			vcrypto.X25519KeyPair{Private: klt.X25519Private, Public: klt.X25519Public},
			vcrypto.Ed25519KeyPair{Private: klt.Ed25519Private, Public: klt.Ed25519Public},
			hub,
		)
	}

	engine := auth.NewEngine(km, func(userID uint64) ([]byte, bool) {
		secret, err := keys.UserSecret(userIDToUID(userID))
		if err != nil {
			return nil, false
		}
		return secret, true
	})

	storeEngine, err := store.Open(cfg.Store)
	if err != nil {
		keys.Close()
		return nil, err
	}

	catalogue := dispatch.NewCatalogue()
	sm := &consensus.StateMachine{Engine: storeEngine, Catalogue: catalogue}
	node := consensus.NewNode(cfg.Consensus.Node, sm)

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dispatcher := dispatch.NewDispatcher(catalogue, dialer)
	prober := dispatch.NewProber(catalogue, dialer)

	exporter := export.New(storeEngine, cfg.Export.SinkDir, cfg.Export.Interval)

	return &handlerServer{
		cfg:        cfg,
		keys:       keys,
		km:         km,
		engine:     engine,
		hub:        hub,
		store:      storeEngine,
		node:       node,
		catalogue:  catalogue,
		dispatcher: dispatcher,
		prober:     prober,
		operator:   auth.NewOperatorSource(),
		exporter:   exporter,
	}, nil
}

// bootstrapLongTermKeys generates and persists a fresh dual keypair the
// first time a handler starts against an empty keystore; every later
// start finds LoadLongTermKeys satisfied and skips straight to
// auth.WithSecret.
func bootstrapLongTermKeys(keys *keystore.Store, hub *fabric.Hub) (*auth.KeyManager, error) {
	km, err := auth.NewKeyManager(hub)
	if err != nil {
		return nil, errs.New(errs.Crypto, "handler.bootstrapLongTermKeys", err)
	}
	klt := keystore.LongTermKeys{
		X25519Private:  km.X25519Private(),
		X25519Public:   km.X25519Public(),
		Ed25519Private: km.Ed25519Private(),
		Ed25519Public:  km.Ed25519Public(),
	}
	if err := keys.SaveLongTermKeys(klt); err != nil {
		return nil, errs.New(errs.StoreIo, "handler.bootstrapLongTermKeys", err)
	}
	return km, nil
}

// runScheduledRotation implements spec.md §4.6's "Scheduled rotation": a
// fresh key is broadcast and promoted every auth.RotationInterval, with
// the grace window auth.KeyManager.ScheduleRotation itself arranges.
func (hs *handlerServer) runScheduledRotation(ctx context.Context) {
	ticker := time.NewTicker(auth.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := hs.km.ScheduleRotation(now); err != nil {
				log.WithError(err).Warn("handler: scheduled key rotation failed")
			}
		}
	}
}

func (hs *handlerServer) close() {
	hs.dispatcher.Close()
	hs.store.Close()
	hs.keys.Close()
}

// userIDToUID renders the engine's internal uint64 user id into the byte
// key the keystore buckets user secrets under, mirroring the teacher's
// UID-as-bytes convention (internal/server/usermanager).
func userIDToUID(userID uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], userID)
	return b[:]
}

// tokenRequestRate and tokenRequestBurst bound how often one remote address
// may hit /retrieve-token, per spec.md §6's "429 on per-source rate limit";
// sized well above any legitimate single client's redemption cadence (one
// token per real connection attempt) and well below what a credential-
// stuffing source would need.
const (
	tokenRequestRate  = 2.0
	tokenRequestBurst = int64(10)
)

// allowTokenRequest implements the per-source token bucket backing
// /retrieve-token's 429, adapted from internal/fabric/valve.go's Valve,
// the teacher's only other github.com/juju/ratelimit user in this tree,
// keyed here by source address instead of by session.
func (hs *handlerServer) allowTokenRequest(addr [16]byte) bool {
	v, _ := hs.tokenLimiters.LoadOrStore(addr, ratelimit.NewBucketWithRate(tokenRequestRate, tokenRequestBurst))
	return v.(*ratelimit.Bucket).TakeAvailable(1) > 0
}

// retrieveTokenHlr implements spec.md §4.6 step 2: a stateless endpoint
// that unseals an AUTH_REQUEST envelope, runs the handshake, and reseals
// the Response to the client's ephemeral public key (the same keypair the
// client used to seal the request, so the client opens it with the
// private half it already holds).
func (hs *handlerServer) retrieveTokenHlr(w http.ResponseWriter, r *http.Request) {
	if !hs.allowTokenRequest(remoteAddrBytes(r.RemoteAddr)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var env vcrypto.SealedEnvelope
	if err := cbor.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}

	req, err := auth.OpenRequest(hs.km, time.Now(), &env)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(auth.UniformRejection)
		return
	}

	resp, err := hs.engine.HandleAuthRequest(req)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(auth.UniformRejection)
		return
	}

	plain, err := cbor.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	outEnv, err := vcrypto.SealHybrid(req.EphemeralPublic, plain)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out, err := cbor.Marshal(outEnv)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(out)
}

// connectHlr implements spec.md §4.4/§4.7: validate the bearer token,
// upgrade the transport, and hand the tunnel to a fresh fabric.Session
// whose flows are dispatched to exit nodes.
func (hs *handlerServer) connectHlr(w http.ResponseWriter, r *http.Request) {
	tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	token, err := auth.DecodeToken(tokenStr)
	if err != nil {
		http.Error(w, "malformed token", http.StatusBadRequest)
		return
	}
	if err := hs.engine.VerifyAndRedeem(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	tunnel, err := transport.Accept(w, r)
	if err != nil {
		return
	}

	sessionKeyBytes, err := vcrypto.DeriveKey(token.Payload.Nonce[:], nil, []byte("veilmux-session-key"), vcrypto.KeySize)
	if err != nil {
		tunnel.Close(transport.CloseUnauthenticated)
		return
	}
	var sessionKey [32]byte
	copy(sessionKey[:], sessionKeyBytes)

	clientAddr := remoteAddrBytes(r.RemoteAddr)
	userFingerprint := store.UserFingerprint(token.Payload.UserID)

	id := atomic.AddUint64(&hs.sessionID, 1)
	session, err := fabric.NewSession(id, tunnel, sessionKey, func(f *fabric.Flow) {
		hs.pumpFlow(f, clientAddr, userFingerprint)
	}, hs.handleSessionControl)
	if err != nil {
		log.WithError(err).Error("handler: failed to start session")
		tunnel.Close(transport.CloseLocal)
		return
	}
	hs.hub.Add(session)
	go func() {
		<-tunnel.Done()
		session.Close(tunnel.CloseReason())
		hs.hub.Remove(id)
	}()
}

// consensusProposeTimeout bounds how long pumpFlow waits on a C9 propose
// before giving up and letting the flow proceed unrecorded; a stalled
// leader election must never block live traffic.
const consensusProposeTimeout = 2 * time.Second

// pumpFlow implements the handler side of C7/C10 wiring: the first chunk
// a newly admitted flow delivers names its target as a "host:port"
// string (the thin front end's own convention, not a core-component
// wire format), everything after that is opaque payload dispatched to
// whichever exit node the catalogue selects. Around dispatch it proposes
// the flow's lifecycle through the replicated log (component C9), per
// spec.md §2's authorise -> record -> dispatch data flow.
func (hs *handlerServer) pumpFlow(f *fabric.Flow, clientAddr [16]byte, userFingerprint string) {
	first, ok := <-f.Ingress()
	if !ok {
		return
	}
	target := string(first)

	hs.proposeConn(f.ID, consensus.OpInsert, store.ConnMeta{
		ClientAddr:      clientAddr,
		UserFingerprint: userFingerprint,
		State:           store.ConnNew,
	})

	var bytesIn uint64
	var bytesOut uint64
	onReturn := func(payload []byte) {
		atomic.AddUint64(&bytesOut, uint64(len(payload)))
		f.Write(payload)
	}
	entry, err := hs.dispatcher.Dispatch(f.ID, 0, "", target, nil, onReturn)
	if err != nil {
		log.WithError(err).WithField("target", target).Debug("handler: dispatch failed for new flow")
		hs.finalizeConn(f.ID, clientAddr, userFingerprint, 0, 0, "", "dispatch_failed")
		return
	}
	hs.proposeConn(f.ID, consensus.OpUpdate, store.ConnMeta{
		ClientAddr:      clientAddr,
		UserFingerprint: userFingerprint,
		ExitNode:        entry.NodeID,
		State:           store.ConnActive,
	})

	halfClosed := f.HalfClosed()
	for {
		select {
		case chunk, ok := <-f.Ingress():
			if !ok {
				hs.finalizeConn(f.ID, clientAddr, userFingerprint, bytesIn, atomic.LoadUint64(&bytesOut), entry.NodeID, "ingress_closed")
				return
			}
			bytesIn += uint64(len(chunk))
			if err := hs.dispatcher.Send(entry, f.ID, chunk); err != nil {
				hs.finalizeConn(f.ID, clientAddr, userFingerprint, bytesIn, atomic.LoadUint64(&bytesOut), entry.NodeID, "send_failed")
				return
			}
		case <-halfClosed:
			hs.proposeConn(f.ID, consensus.OpUpdate, store.ConnMeta{
				ClientAddr:      clientAddr,
				UserFingerprint: userFingerprint,
				ExitNode:        entry.NodeID,
				State:           store.ConnHalfClosed,
			})
			halfClosed = nil
		case <-f.Done():
			hs.dispatcher.Release(entry, f.ID)
			hs.finalizeConn(f.ID, clientAddr, userFingerprint, bytesIn, atomic.LoadUint64(&bytesOut), entry.NodeID, "flow_closed")
			return
		}
	}
}

// proposeConn submits a best-effort connection record through the
// replicated log. consensus.Node.Propose already follows a NotLeader hint
// to the real leader over RPC up to three times on its own, so by the time
// an error reaches here every resubmission has already been exhausted; it
// is logged and swallowed rather than tearing down the flow, since losing
// a leader election mid-flow must not interrupt live traffic it would
// otherwise carry.
func (hs *handlerServer) proposeConn(connID uint64, kind consensus.RequestKind, meta store.ConnMeta) {
	ctx, cancel := context.WithTimeout(context.Background(), consensusProposeTimeout)
	defer cancel()
	if _, err := hs.node.Propose(ctx, consensus.Request{Kind: kind, ConnID: connID, Record: meta}); err != nil {
		log.WithError(err).WithField("conn_id", connID).Debug("handler: consensus propose failed")
	}
}

// finalizeConn proposes the closing UPDATE carrying the final byte
// counters, close reason and user fingerprint the §6 export schema needs
// off the latest visible version, then the DELETE that tombstones the
// record, per spec.md §4.9's INSERT/UPDATE/DELETE lifecycle.
func (hs *handlerServer) finalizeConn(connID uint64, clientAddr [16]byte, userFingerprint string, bytesIn, bytesOut uint64, exitNode, reason string) {
	hs.proposeConn(connID, consensus.OpUpdate, store.ConnMeta{
		ClientAddr:      clientAddr,
		UserFingerprint: userFingerprint,
		BytesIn:         bytesIn,
		BytesOut:        bytesOut,
		ExitNode:        exitNode,
		EndedAt:         time.Now().UnixMilli(),
		CloseReason:     reason,
		State:           store.ConnClosed,
	})
	hs.proposeConn(connID, consensus.OpDelete, store.ConnMeta{})
}

// remoteAddrBytes renders an http.Request.RemoteAddr's host portion into
// the fixed-width form ConnMeta.ClientAddr expects, accepting whatever
// net.SplitHostPort/net.ParseIP can parse and leaving the zero value
// otherwise (a malformed RemoteAddr must not fail the connection).
func remoteAddrBytes(remoteAddr string) [16]byte {
	var out [16]byte
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return out
	}
	copy(out[:], ip.To16())
	return out
}

// handleSessionControl implements the handler side of spec.md §4.2's
// DNS-over-tunnel requirement: a client's ControlDoHQuery carries a packed
// DNS message, which is resolved against dohUpstream and the packed answer
// returned as a ControlDoHResponse on the same session. KEY_ROTATION and
// EMERGENCY are handler-to-client broadcasts (internal/fabric.Hub) and
// AUTH_REQUEST/AUTH_RESPONSE travel over retrieveTokenHlr instead of the
// tunnel, so this is the only inbound control kind the handler role acts
// on; the rest fall through silently.
func (hs *handlerServer) handleSessionControl(s *fabric.Session, c *frame.Control) {
	if c.Kind != frame.ControlDoHQuery {
		return
	}
	go hs.resolveDoH(s, c.DoH)
}

func (hs *handlerServer) resolveDoH(s *fabric.Session, query []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		log.WithError(err).Debug("handler: malformed DOH_QUERY payload")
		return
	}

	client := &dns.Client{Timeout: dohTimeout}
	reply, _, err := client.Exchange(msg, dohUpstream)
	if err != nil {
		log.WithError(err).Debug("handler: upstream DNS exchange failed")
		return
	}

	packed, err := reply.Pack()
	if err != nil {
		log.WithError(err).Debug("handler: failed to pack DNS reply")
		return
	}

	_ = s.SendControl(&frame.Control{Kind: frame.ControlDoHResponse, DoH: packed})
}
