package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnStateString(t *testing.T) {
	require.Equal(t, "new", ConnNew.String())
	require.Equal(t, "active", ConnActive.String())
	require.Equal(t, "half_closed", ConnHalfClosed.String())
	require.Equal(t, "closed", ConnClosed.String())
}

func TestUserFingerprintIsDeterministicAndDistinct(t *testing.T) {
	a := UserFingerprint(1)
	require.Equal(t, a, UserFingerprint(1))
	require.NotEqual(t, a, UserFingerprint(2))
	require.Len(t, a, 32) // 16 bytes, hex-encoded
}
