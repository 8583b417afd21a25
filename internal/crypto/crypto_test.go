package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	require.NoError(t, CryptoRandRead(key))
	plaintext := []byte("the quick brown fox")

	ct, err := Encrypt(key, plaintext, nil)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	pt, err := Decrypt(key, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := make([]byte, KeySize)
	require.NoError(t, CryptoRandRead(key))
	ct, err := Encrypt(key, []byte("hello"), nil)
	require.NoError(t, err)

	ct[len(ct)-1] ^= 0xFF
	_, err = Decrypt(key, ct, nil)
	require.Error(t, err)
}

func TestNoncesAreUnique(t *testing.T) {
	key := make([]byte, KeySize)
	require.NoError(t, CryptoRandRead(key))
	seen := map[string]bool{}
	for i := 0; i < 256; i++ {
		ct, err := Encrypt(key, []byte("x"), nil)
		require.NoError(t, err)
		nonce := string(ct[:NonceSize])
		assert.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestECDHSharedSecretAgrees(t *testing.T) {
	a, err := GenerateX25519()
	require.NoError(t, err)
	b, err := GenerateX25519()
	require.NoError(t, err)

	s1, err := SharedSecret(a.Private, b.Public)
	require.NoError(t, err)
	s2, err := SharedSecret(b.Private, a.Public)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("token payload")
	sig := kp.Sign(msg)
	require.NoError(t, VerifyEd25519(kp.Public, msg, sig))

	sig[0] ^= 1
	require.Error(t, VerifyEd25519(kp.Public, msg, sig))
}

func TestHybridSealRoundTrip(t *testing.T) {
	recipient, err := GenerateX25519()
	require.NoError(t, err)

	plaintext := []byte("AUTH_REQUEST inner record")
	env, err := SealHybrid(recipient.Public, plaintext)
	require.NoError(t, err)

	got, err := OpenHybrid(recipient.Private, env)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestRandIntBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := RandInt(10)
		assert.True(t, v >= 0 && v < 10)
	}
}
