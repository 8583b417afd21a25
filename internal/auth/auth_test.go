package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcrypto "github.com/veilmux/core/internal/crypto"
)

type stubBroadcaster struct{}

func (stubBroadcaster) BroadcastKeyRotation([32]byte, time.Time, time.Time) {}
func (stubBroadcaster) BroadcastEmergency(uint8, time.Duration)             {}
func (stubBroadcaster) DropAll()                                           {}

func newTestEngine(t *testing.T) (*Engine, *KeyManager, []byte, uint64) {
	t.Helper()
	km, err := NewKeyManager(stubBroadcaster{})
	require.NoError(t, err)

	secret := []byte("shared-secret-for-user-7")
	users := func(id uint64) ([]byte, bool) {
		if id == 7 {
			return secret, true
		}
		return nil, false
	}
	e := NewEngine(km, users)
	return e, km, secret, 7
}

func TestHandshakeHappyPath(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	now := time.Now()

	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, now)
	require.NoError(t, err)

	req, err := OpenRequest(km, now, env)
	require.NoError(t, err)

	resp, err := e.HandleAuthRequest(req)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.NoError(t, e.VerifyAndRedeem(&resp.Token))
}

func TestHandshakeRespectsConstantBudget(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	now := time.Now()
	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, now)
	require.NoError(t, err)
	req, err := OpenRequest(km, now, env)
	require.NoError(t, err)

	start := time.Now()
	_, _ = e.HandleAuthRequest(req)
	assert.GreaterOrEqual(t, time.Since(start), ConstantResponseBudget)
}

func TestReplayedRequestRejectedSecondTime(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	now := time.Now()
	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, now)
	require.NoError(t, err)

	req1, err := OpenRequest(km, now, env)
	require.NoError(t, err)
	_, err = e.HandleAuthRequest(req1)
	require.NoError(t, err)

	req2, err := OpenRequest(km, now, env)
	require.NoError(t, err)
	_, err = e.HandleAuthRequest(req2)
	require.Error(t, err)
}

func TestBadMACRejected(t *testing.T) {
	e, km, _, uid := newTestEngine(t)
	now := time.Now()
	env, _, _, err := BuildRequest(km.X25519Public(), uid, []byte("wrong-secret"), now)
	require.NoError(t, err)
	req, err := OpenRequest(km, now, env)
	require.NoError(t, err)

	_, err = e.HandleAuthRequest(req)
	require.Error(t, err)
}

func TestStaleTimestampRejected(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	old := time.Now().Add(-time.Hour)
	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, old)
	require.NoError(t, err)
	req, err := OpenRequest(km, old, env)
	require.NoError(t, err)

	_, err = e.HandleAuthRequest(req)
	require.Error(t, err)
}

func TestTokenSingleUseExactlyOneWinner(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	now := time.Now()
	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, now)
	require.NoError(t, err)
	req, err := OpenRequest(km, now, env)
	require.NoError(t, err)

	resp, err := e.HandleAuthRequest(req)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.VerifyAndRedeem(&resp.Token)
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestTokenRoundTripEncoding(t *testing.T) {
	e, km, secret, uid := newTestEngine(t)
	now := time.Now()
	env, _, _, err := BuildRequest(km.X25519Public(), uid, secret, now)
	require.NoError(t, err)
	req, err := OpenRequest(km, now, env)
	require.NoError(t, err)
	resp, err := e.HandleAuthRequest(req)
	require.NoError(t, err)

	encoded, err := EncodeToken(&resp.Token)
	require.NoError(t, err)

	decoded, err := DecodeToken(encoded)
	require.NoError(t, err)
	assert.Equal(t, resp.Token.Payload, decoded.Payload)
}

func TestKeyRotationGraceAcceptsBothKeys(t *testing.T) {
	km, err := NewKeyManager(stubBroadcaster{})
	require.NoError(t, err)

	oldPub := km.X25519Public()
	require.NoError(t, km.ScheduleRotation(time.Now()))

	// Before validFrom the new key is only announced: the current key is
	// still oldPub.
	assert.Equal(t, oldPub, km.X25519Public())

	// Once the new key is promoted, the old one stays accepted until the
	// grace deadline, so both keys are unseal candidates.
	newX, err := vcrypto.GenerateX25519()
	require.NoError(t, err)
	newEd, err := vcrypto.GenerateEd25519()
	require.NoError(t, err)
	km.promote(*newX, *newEd, time.Now().Add(GracePeriod))
	assert.Equal(t, newX.Public, km.X25519Public())
	assert.Len(t, km.X25519PrivateCandidates(time.Now()), 2)
}

func TestForceRotateDropsGrace(t *testing.T) {
	km, err := NewKeyManager(stubBroadcaster{})
	require.NoError(t, err)
	oldPub := km.X25519Public()

	require.NoError(t, km.ForceRotate())
	assert.NotEqual(t, oldPub, km.X25519Public())

	candidates := km.X25519PrivateCandidates(time.Now())
	assert.Len(t, candidates, 1)
}
