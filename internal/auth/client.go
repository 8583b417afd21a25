package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	vcrypto "github.com/veilmux/core/internal/crypto"
)

// BuildRequest constructs and hybrid-seals an AUTH_REQUEST on the client
// side, per spec.md §4.6 step 1. hmacSecret is the secret shared with the
// server out of band (provisioned the way the teacher provisions per-UID
// secrets in its user database). The returned ephemeral private key is the
// other half of req.EphemeralPublic: the caller must hold onto it to open
// the server's hybrid-sealed Response, since vcrypto.SealHybrid seals to
// that ephemeral public key, not to any long-term key of the client's.
func BuildRequest(serverPublic [32]byte, userID uint64, hmacSecret []byte, now time.Time) (*vcrypto.SealedEnvelope, *Request, [32]byte, error) {
	var nonce [32]byte
	if err := vcrypto.CryptoRandRead(nonce[:]); err != nil {
		return nil, nil, [32]byte{}, err
	}

	var rnd [16]byte
	if err := vcrypto.CryptoRandRead(rnd[:]); err != nil {
		return nil, nil, [32]byte{}, err
	}
	hmacBase := []byte(fmt.Sprintf("%d:%d:%x", userID, now.Unix(), rnd))

	h := hmac.New(sha256.New, hmacSecret)
	h.Write(hmacBase)
	sig := h.Sum(nil)

	eph, err := vcrypto.GenerateX25519()
	if err != nil {
		return nil, nil, [32]byte{}, err
	}

	req := &Request{
		HMACBase:        hmacBase,
		ClientPublic:    eph.Public,
		EphemeralPublic: eph.Public,
		Nonce:           nonce,
		Timestamp:       now.Unix(),
	}
	copy(req.HMACSignature[:], sig)

	body, err := marshalCBOR(req)
	if err != nil {
		return nil, nil, [32]byte{}, err
	}
	env, err := vcrypto.SealHybrid(serverPublic, body)
	if err != nil {
		return nil, nil, [32]byte{}, err
	}
	return env, req, eph.Private, nil
}

// OpenRequest unseals a client's AUTH_REQUEST envelope, trying every
// currently-accepted long-term private key (current, and previous while
// in its grace window), per spec.md §4.6's key-rotation grace semantics.
func OpenRequest(km *KeyManager, now time.Time, env *vcrypto.SealedEnvelope) (*Request, error) {
	var lastErr error
	for _, priv := range km.X25519PrivateCandidates(now) {
		plain, err := vcrypto.OpenHybrid(priv, env)
		if err != nil {
			lastErr = err
			continue
		}
		var req Request
		if err := unmarshalCBOR(plain, &req); err != nil {
			lastErr = err
			continue
		}
		return &req, nil
	}
	return nil, lastErr
}
