package auth

import "errors"

// Failure modes named verbatim in spec.md §4.6. All of them present
// identically to the client (spec.md §7); only internal logs distinguish
// them.
var (
	ErrUnauthTimestamp = errors.New("UNAUTH_TIMESTAMP")
	ErrUnauthReplay    = errors.New("UNAUTH_REPLAY")
	ErrUnauthMAC       = errors.New("UNAUTH_MAC")
	ErrUnauthSignature = errors.New("UNAUTH_SIGNATURE")
	ErrUnauthExpired   = errors.New("UNAUTH_EXPIRED")
	ErrUnauthReused    = errors.New("UNAUTH_REUSED")
)

// UniformRejection is the single byte sequence every rejected handshake
// returns, per spec.md §7: "all auth rejections return identical response
// bytes after the constant time budget."
var UniformRejection = []byte("authentication failed")
