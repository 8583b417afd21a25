package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	log "github.com/sirupsen/logrus"

	vcrypto "github.com/veilmux/core/internal/crypto"
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/metrics"
	"github.com/veilmux/core/internal/replay"
)

// UserLookup resolves a claimed user to the shared HMAC secret the server
// recomputes the request's MAC against, backed by internal/keystore in
// production and an in-memory map in tests.
type UserLookup func(userID uint64) (secret []byte, ok bool)

// Engine runs the handshake, token lifecycle and emergency state for one
// handler process, generalizing the teacher's free functions
// (touchStone, the websocket finisher closure) into one stateful type that
// owns the replay stores and key manager they depended on implicitly via
// *State.
type Engine struct {
	Keys       *KeyManager
	Nonces     *replay.Store // AUTH_REQUEST nonce replay window
	Tokens     *replay.Store // single-use token redemption tracking
	Users      UserLookup
	Now        func() time.Time
	Emergency  *EmergencyState
}

// NewEngine wires an Engine's two replay stores and defaults Now to
// time.Now, matching the teacher's State.Now injection point used for
// testable time-dependent checks (internal/server/state.go).
func NewEngine(keys *KeyManager, users UserLookup) *Engine {
	return &Engine{
		Keys:      keys,
		Nonces:    replay.New("auth-nonces", nil),
		Tokens:    replay.New("auth-tokens", nil),
		Users:     users,
		Now:       time.Now,
		Emergency: NewEmergencyState(),
	}
}

// HandleAuthRequest implements spec.md §4.6 step 2: decrypt (the caller
// has already done the hybrid unseal), reject on stale timestamp, consult
// replay defence on the nonce, recompute the MAC in constant time, and
// issue a single-use token on success. The full call, success or failure,
// always takes at least ConstantResponseBudget to flatten timing
// side-channels, per spec.md §7.
func (e *Engine) HandleAuthRequest(req *Request) (*Response, error) {
	start := e.Now()
	resp, err := e.handleAuthRequest(req)
	e.waitOutBudget(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.AuthOutcomes.WithLabelValues(outcome).Inc()
	return resp, err
}

func (e *Engine) waitOutBudget(start time.Time) {
	elapsed := e.Now().Sub(start)
	if remaining := ConstantResponseBudget - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}
}

func (e *Engine) handleAuthRequest(req *Request) (*Response, error) {
	now := e.Now()
	reqTime := time.Unix(req.Timestamp, 0)
	if reqTime.Before(now.Add(-TimestampTolerance)) || reqTime.After(now.Add(TimestampTolerance)) {
		log.WithField("skew", now.Sub(reqTime)).Debug(ErrUnauthTimestamp.Error())
		return nil, errs.New(errs.Unauthenticated, "auth.HandleAuthRequest", ErrUnauthTimestamp)
	}

	nonceKey := base64.StdEncoding.EncodeToString(req.Nonce[:])
	if !e.Nonces.CheckAndInsert(nonceKey, now) {
		log.Debug(ErrUnauthReplay.Error())
		return nil, errs.New(errs.Replay, "auth.HandleAuthRequest", ErrUnauthReplay)
	}

	userID, secret, ok := e.resolveUser(req)
	if !ok || !verifyMAC(secret, req.HMACBase, req.HMACSignature[:]) {
		log.Debug(ErrUnauthMAC.Error())
		return nil, errs.New(errs.Unauthenticated, "auth.HandleAuthRequest", ErrUnauthMAC)
	}

	token, err := e.issueToken(userID, req.Nonce, now)
	if err != nil {
		return nil, err
	}

	resp := &Response{Token: *token}
	if e.Emergency.Armed() {
		resp.Warning = &EmergencyWarning{
			Level:        e.Emergency.Level(),
			TriggerAfter: randomTriggerAfter(),
		}
	}
	return resp, nil
}

// resolveUser derives the claimed user id from hmac_base's "user_id:ts:rand"
// convention (the layout BuildRequest writes) and looks up its secret.
func (e *Engine) resolveUser(req *Request) (userID uint64, secret []byte, ok bool) {
	userID = decodeUserIDPrefix(req.HMACBase)
	secret, ok = e.Users(userID)
	return
}

func verifyMAC(secret, base, mac []byte) bool {
	if secret == nil {
		return false
	}
	h := hmac.New(sha256.New, secret)
	h.Write(base)
	expected := h.Sum(nil)
	return vcrypto.ConstantTimeEqual(expected, mac)
}

func (e *Engine) issueToken(userID uint64, nonce [32]byte, now time.Time) (*Token, error) {
	payload := TokenPayload{
		UserID:     userID,
		Nonce:      nonce,
		IssuedAt:   now.Unix(),
		ValidUntil: now.Add(TokenValidity).Unix(),
	}
	body, err := marshalCBOR(payload)
	if err != nil {
		return nil, errs.New(errs.Crypto, "auth.issueToken", err)
	}
	sig := e.Keys.Sign(body)
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return &Token{Payload: payload, Signature: sigArr}, nil
}

// EncodeToken implements the wire format resolved in SPEC_FULL.md §9:
// base64(payload‖signature).
func EncodeToken(t *Token) (string, error) {
	body, err := marshalCBOR(t.Payload)
	if err != nil {
		return "", err
	}
	full := append(body, t.Signature[:]...)
	return base64.StdEncoding.EncodeToString(full), nil
}

// DecodeToken reverses EncodeToken without verifying the signature; callers
// must call VerifyAndRedeem before trusting the payload.
func DecodeToken(s string) (*Token, error) {
	full, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.New(errs.Malformed, "auth.DecodeToken", err)
	}
	if len(full) < 64 {
		return nil, errs.New(errs.Malformed, "auth.DecodeToken", errTokenTooShort)
	}
	body, sig := full[:len(full)-64], full[len(full)-64:]
	var payload TokenPayload
	if err := unmarshalCBOR(body, &payload); err != nil {
		return nil, errs.New(errs.Malformed, "auth.DecodeToken", err)
	}
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return &Token{Payload: payload, Signature: sigArr}, nil
}

// VerifyAndRedeem implements spec.md §4.6 step 3: verify signature, check
// expiry, and atomically redeem (single use) via the token replay store.
func (e *Engine) VerifyAndRedeem(t *Token) error {
	body, err := marshalCBOR(t.Payload)
	if err != nil {
		return errs.New(errs.Crypto, "auth.VerifyAndRedeem", err)
	}
	if !e.Keys.Verify(body, t.Signature[:]) {
		return errs.New(errs.Unauthenticated, "auth.VerifyAndRedeem", ErrUnauthSignature)
	}

	now := e.Now()
	if now.After(time.Unix(t.Payload.ValidUntil, 0)) {
		return errs.New(errs.Unauthenticated, "auth.VerifyAndRedeem", ErrUnauthExpired)
	}

	redemptionKey := base64.StdEncoding.EncodeToString(t.Signature[:])
	if !e.Tokens.CheckAndInsert(redemptionKey, now) {
		return errs.New(errs.Replay, "auth.VerifyAndRedeem", ErrUnauthReused)
	}
	return nil
}

// ForceRotate implements spec.md §4.6's human-operator forced-rotation
// trigger in full: skip the grace window, drop every live session (via
// KeyManager.ForceRotate's broadcaster), and clear the token redemption
// store so no token issued under the retired key can still be redeemed.
func (e *Engine) ForceRotate() error {
	if err := e.Keys.ForceRotate(); err != nil {
		return err
	}
	e.Tokens.Clear()
	return nil
}

func randomTriggerAfter() time.Duration {
	return time.Duration(vcrypto.RandInt(3601)) * time.Second
}
