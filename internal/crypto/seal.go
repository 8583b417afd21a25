package crypto

import "github.com/veilmux/core/internal/errs"

// SealedEnvelope is the output of SealHybrid, the hybrid sealing scheme used by the AUTH_REQUEST
// envelope (spec.md §4.6): a fresh symmetric key is generated, the inner
// record is encrypted under it, and the symmetric key itself is encrypted
// to the recipient's long-term X25519 public key via ECDH-derived key
// agreement with an ephemeral sender keypair. The sender's ephemeral
// public key, the wrapped key, and the sealed body are all returned so the
// caller can place them on the wire.
type SealedEnvelope struct {
	EphemeralPublic [32]byte
	WrappedKey      []byte // Encrypt(agreedKey, freshSymmetricKey)
	Body            []byte // Encrypt(freshSymmetricKey, plaintext)
}

// SealHybrid implements the sender side.
func SealHybrid(recipientPublic [32]byte, plaintext []byte) (*SealedEnvelope, error) {
	eph, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	agreed, err := SharedSecret(eph.Private, recipientPublic)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(agreed, nil, []byte("veilmux-hybrid-seal-wrap"), KeySize)
	if err != nil {
		return nil, err
	}

	freshKey := make([]byte, KeySize)
	if err := CryptoRandRead(freshKey); err != nil {
		return nil, errs.New(errs.Exhausted, "crypto.SealHybrid", err)
	}

	wrapped, err := Encrypt(wrapKey, freshKey, nil)
	if err != nil {
		return nil, err
	}
	body, err := Encrypt(freshKey, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &SealedEnvelope{
		EphemeralPublic: eph.Public,
		WrappedKey:      wrapped,
		Body:            body,
	}, nil
}

// OpenHybrid implements the recipient side given the long-term private key.
func OpenHybrid(recipientPrivate [32]byte, env *SealedEnvelope) ([]byte, error) {
	agreed, err := SharedSecret(recipientPrivate, env.EphemeralPublic)
	if err != nil {
		return nil, err
	}
	wrapKey, err := DeriveKey(agreed, nil, []byte("veilmux-hybrid-seal-wrap"), KeySize)
	if err != nil {
		return nil, err
	}
	freshKey, err := Decrypt(wrapKey, env.WrappedKey, nil)
	if err != nil {
		return nil, err
	}
	return Decrypt(freshKey, env.Body, nil)
}
