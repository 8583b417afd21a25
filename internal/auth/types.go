// Package auth implements the Auth Engine (component C6): the two-step
// handshake, single-use token issuance and redemption, and the key
// rotation scheduler. It generalizes the teacher's split between a
// stateless verification function (internal/server/auth.go's touchStone)
// and a connection-upgrade finisher closure (internal/server/websocket.go)
// into the spec's hybrid-sealed AUTH_REQUEST / TOKEN exchange.
package auth

import "time"

// Request is the decrypted inner record of an AUTH_REQUEST envelope, per
// spec.md §4.6 step 1.
type Request struct {
	HMACBase        []byte
	HMACSignature   [32]byte
	ClientPublic    [32]byte
	EphemeralPublic [32]byte
	Nonce           [32]byte
	Timestamp       int64 // unix seconds
}

// TokenPayload is the canonical, signed body of a redemption token.
type TokenPayload struct {
	UserID     uint64
	Nonce      [32]byte
	IssuedAt   int64
	ValidUntil int64
}

// Token is the base64(payload‖signature) credential returned to the
// client on handshake success, per the Open Question resolution recorded
// in SPEC_FULL.md §9 (Ed25519, payload‖signature, base64.StdEncoding).
type Token struct {
	Payload   TokenPayload
	Signature [64]byte
}

// EmergencyWarning rides along in the auth response when the emergency
// flag is armed, per spec.md §4.6 step 2.
type EmergencyWarning struct {
	Level        uint8
	TriggerAfter time.Duration
}

// Response is what the stateless HTTP endpoint returns on success.
type Response struct {
	Token   Token
	Warning *EmergencyWarning
}

// TokenValidity is the single-use redemption token's lifetime, per
// spec.md §4.6: "valid_until = now + 60 s".
const TokenValidity = 60 * time.Second

// TimestampTolerance bounds how far a client's AUTH_REQUEST timestamp may
// drift from the server's clock, per spec.md §4.6: "|now - timestamp| > 30s".
const TimestampTolerance = 30 * time.Second

// ConstantResponseBudget is the minimum wall-clock time the stateless
// endpoint takes to respond, pass or fail, per spec.md §4.6 and §7.
const ConstantResponseBudget = 200 * time.Millisecond
