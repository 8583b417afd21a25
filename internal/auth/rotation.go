package auth

import (
	"crypto/ed25519"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	vcrypto "github.com/veilmux/core/internal/crypto"
)

// RotationInterval and GracePeriod mirror the scheduled-rotation timing
// named in the original source's KeyRotationConfig (key_rotation.rs),
// generalized to the spec's broadcast-over-live-tunnels model in
// spec.md §4.6.
const (
	RotationInterval = 7 * 24 * time.Hour
	GracePeriod      = 10 * time.Minute
)

// Broadcaster pushes a KEY_ROTATION or EMERGENCY control frame to every
// live tunnel; the fabric package supplies the real implementation, tests
// supply a recording stub.
type Broadcaster interface {
	BroadcastKeyRotation(newPublic [32]byte, validFrom, validUntil time.Time)
	BroadcastEmergency(level uint8, triggerAfter time.Duration)
	DropAll()
}

type keyEntry struct {
	x25519  vcrypto.X25519KeyPair
	ed25519 vcrypto.Ed25519KeyPair
	validAt time.Time // previous key is accepted only until this time
}

// KeyManager owns the handler's long-term sealing/signing keys and the
// scheduled/forced rotation state machine, generalizing the original
// source's KeyManager (current/previous RwLock<KeyEntry> pair with a
// force_rotation flag) into Go with a single mutex, matching the
// teacher's preference for coarse locking over fine-grained atomics when
// the critical section is this small (internal/server/state.go).
type KeyManager struct {
	mu       sync.RWMutex
	current  keyEntry
	previous *keyEntry

	broadcaster Broadcaster
	stopCh      chan struct{}
}

// NewKeyManager generates a fresh dual keypair.
func NewKeyManager(b Broadcaster) (*KeyManager, error) {
	x, err := vcrypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	ed, err := vcrypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	return &KeyManager{
		current:     keyEntry{x25519: *x, ed25519: *ed},
		broadcaster: b,
		stopCh:      make(chan struct{}),
	}, nil
}

// WithSecret rebuilds a KeyManager from persisted key material (from
// internal/keystore) instead of generating fresh keys, used at process
// startup.
func WithSecret(x vcrypto.X25519KeyPair, ed vcrypto.Ed25519KeyPair, b Broadcaster) *KeyManager {
	return &KeyManager{
		current:     keyEntry{x25519: x, ed25519: ed},
		broadcaster: b,
		stopCh:      make(chan struct{}),
	}
}

func (km *KeyManager) X25519Public() [32]byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current.x25519.Public
}

func (km *KeyManager) X25519Private() [32]byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current.x25519.Private
}

// X25519PrivateCandidates returns the keys accepted for hybrid-unseal
// right now: the current key, plus the previous key while its grace
// window is open, per spec.md §4.6: "during the grace window accept both
// keys."
func (km *KeyManager) X25519PrivateCandidates(now time.Time) [][32]byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	out := [][32]byte{km.current.x25519.Private}
	if km.previous != nil && now.Before(km.previous.validAt) {
		out = append(out, km.previous.x25519.Private)
	}
	return out
}

// Ed25519Public and Ed25519Private expose the current signing keypair so a
// caller can persist it (internal/keystore), mirroring the X25519 pair's
// accessors above.
func (km *KeyManager) Ed25519Public() ed25519.PublicKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current.ed25519.Public
}

func (km *KeyManager) Ed25519Private() ed25519.PrivateKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current.ed25519.Private
}

func (km *KeyManager) Sign(msg []byte) []byte {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current.ed25519.Sign(msg)
}

// Verify checks msg/sig against the current key, then the previous key if
// still within its grace window.
func (km *KeyManager) Verify(msg, sig []byte) bool {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if vcrypto.VerifyEd25519(km.current.ed25519.Public, msg, sig) == nil {
		return true
	}
	if km.previous != nil && time.Now().Before(km.previous.validAt) {
		return vcrypto.VerifyEd25519(km.previous.ed25519.Public, msg, sig) == nil
	}
	return false
}

// ScheduleRotation broadcasts the upcoming key, promotes it to current at
// validFrom, and keeps the old key accepted as previous until validUntil,
// per spec.md §4.6 "Scheduled rotation."
func (km *KeyManager) ScheduleRotation(now time.Time) error {
	newX, err := vcrypto.GenerateX25519()
	if err != nil {
		return err
	}
	newEd, err := vcrypto.GenerateEd25519()
	if err != nil {
		return err
	}

	validFrom := now.Add(1 * time.Minute)
	validUntil := now.Add(10 * time.Minute)

	if km.broadcaster != nil {
		km.broadcaster.BroadcastKeyRotation(newX.Public, validFrom, validUntil)
	}

	time.AfterFunc(validFrom.Sub(now), func() {
		km.promote(*newX, *newEd, validUntil)
	})
	return nil
}

func (km *KeyManager) promote(newX vcrypto.X25519KeyPair, newEd vcrypto.Ed25519KeyPair, graceUntil time.Time) {
	km.mu.Lock()
	defer km.mu.Unlock()
	old := km.current
	old.validAt = graceUntil
	km.previous = &old
	km.current = keyEntry{x25519: newX, ed25519: newEd}
	log.Info("key rotation promoted new long-term key")
}

// ForceRotate implements spec.md §4.6 "Forced rotation": skip the grace
// window entirely, retire the old key immediately, and notify via
// EMERGENCY rather than KEY_ROTATION.
func (km *KeyManager) ForceRotate() error {
	newX, err := vcrypto.GenerateX25519()
	if err != nil {
		return err
	}
	newEd, err := vcrypto.GenerateEd25519()
	if err != nil {
		return err
	}
	km.mu.Lock()
	km.current = keyEntry{x25519: *newX, ed25519: *newEd}
	km.previous = nil
	km.mu.Unlock()

	if km.broadcaster != nil {
		km.broadcaster.BroadcastEmergency(2 /* Shutdown-equivalent */, 0)
		km.broadcaster.DropAll()
	}
	log.Warn("forced key rotation: all grace acceptance dropped, live sessions dropped")
	return nil
}
