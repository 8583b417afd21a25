// Package crypto is the Crypto Kit (component C2): authenticated symmetric
// encryption, ECDH key agreement, Ed25519 signatures, HKDF derivation and
// the constant-time helpers the rest of the engine builds on. It
// generalizes the teacher's internal/common/crypto.go (AES-GCM helpers,
// CSPRNG-backed RandInt/RandItem with backoff) and internal/ecdh
// (curve25519 key agreement) to the spec's ChaCha20-Poly1305 + X25519 +
// Ed25519 + HKDF-SHA256 suite.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
)

const (
	KeySize   = chacha20poly1305.KeySize   // 32
	NonceSize = chacha20poly1305.NonceSize // 12 (96-bit)
	TagSize   = 16
)

var (
	ErrInvalidKey        = errors.New("invalid key")
	ErrAuthTagMismatch   = errors.New("authentication tag mismatch")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrDecode            = errors.New("failed to decode")
)

// Encrypt seals plaintext under key with a fresh random 96-bit nonce
// prepended to the ciphertext and a 128-bit tag appended, per spec.md
// §4.2. Nonces are drawn from crypto/rand for every call: the AEAD is
// never reused with an attacker-controlled or counter-derived nonce.
func Encrypt(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.Crypto, "crypto.Encrypt", ErrInvalidKey)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.Encrypt", err)
	}
	nonce := make([]byte, NonceSize)
	if err := CryptoRandRead(nonce); err != nil {
		return nil, errs.New(errs.Exhausted, "crypto.Encrypt", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, additionalData)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt, failing with AUTH_TAG_MISMATCH on any
// tampering.
func Decrypt(key, ciphertext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.Crypto, "crypto.Decrypt", ErrInvalidKey)
	}
	if len(ciphertext) < NonceSize+TagSize {
		return nil, errs.New(errs.Crypto, "crypto.Decrypt", ErrDecode)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.Decrypt", err)
	}
	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plain, err := aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.Decrypt", ErrAuthTagMismatch)
	}
	return plain, nil
}

// X25519KeyPair is an ephemeral or long-term ECDH keypair.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 draws a fresh ephemeral keypair, following the clamping
// convention in the teacher's internal/ecdh/curve25519.go.
func GenerateX25519() (*X25519KeyPair, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, errs.New(errs.Crypto, "crypto.GenerateX25519", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.GenerateX25519", err)
	}
	kp := &X25519KeyPair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret derives the raw ECDH shared secret between a local private
// key and a remote public key.
func SharedSecret(priv, pub [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.SharedSecret", err)
	}
	return secret, nil
}

// DeriveKey runs HKDF-SHA256 over secret, following the teacher's habit of
// keeping key derivation in one place rather than ad hoc hashing at each
// call site.
func DeriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.New(errs.Crypto, "crypto.DeriveKey", err)
	}
	return out, nil
}

// Ed25519KeyPair signs and verifies long-term identity material (token
// signatures, KEY_ROTATION announcements).
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateEd25519() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.New(errs.Crypto, "crypto.GenerateEd25519", err)
	}
	return &Ed25519KeyPair{Public: pub, Private: priv}, nil
}

func (kp *Ed25519KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.Private, msg)
}

// VerifyEd25519 is constant-time with respect to the signature comparison
// performed inside crypto/ed25519.
func VerifyEd25519(pub ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pub, msg, sig) {
		return errs.New(errs.Crypto, "crypto.VerifyEd25519", ErrSignatureMismatch)
	}
	return nil
}

// ConstantTimeEqual compares secret material without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ErrEntropyExhausted is returned by CryptoRandRead (and anything built on
// it) when crypto/rand keeps failing through every backoff retry, per
// spec.md line 67: "the implementation must draw nonces from a
// cryptographically secure source and abort on exhaustion before
// wraparound."
var ErrEntropyExhausted = errors.New("entropy source unavailable after retries")

// CryptoRandRead fills buf from crypto/rand, retrying with backoff on
// transient failure rather than panicking, mirroring the teacher's
// common.CryptoRandRead/backoff pattern so a flaky entropy source degrades
// gracefully instead of crashing a live tunnel. It returns
// ErrEntropyExhausted if every retry failed, leaving buf's contents
// undefined; callers using the result for key or nonce material must
// check the error and abort rather than proceed with whatever buf holds.
func CryptoRandRead(buf []byte) error {
	return backoff(func() error {
		_, err := rand.Read(buf)
		return err
	})
}

// RandInt returns a uniformly distributed integer in [0, n) drawn from
// crypto/rand, used by the obfuscator's size-class selection and jitter.
// Entropy exhaustion here falls back to 0 rather than aborting: callers
// use this for padding shape and timing jitter, never for key or nonce
// material, so a degraded (but still bounded) choice is acceptable where
// a silent zero-nonce would not be.
func RandInt(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		berr := backoff(func() error {
			var innerErr error
			v, innerErr = rand.Int(rand.Reader, big.NewInt(int64(n)))
			return innerErr
		})
		if berr != nil {
			return 0
		}
	}
	return int(v.Int64())
}

// RandItem picks a uniformly random element from list using RandInt.
func RandItem[T any](list []T) T {
	return list[RandInt(len(list))]
}

func backoff(f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	waits := [8]time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond,
		100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second,
	}
	for i := 0; i < len(waits); i++ {
		log.WithError(err).Warn("crypto: entropy source read failed, retrying")
		err = f()
		if err == nil {
			return nil
		}
		time.Sleep(waits[i])
	}
	log.WithError(err).Error("crypto: entropy source unavailable after retries")
	return ErrEntropyExhausted
}
