package obfs

import (
	"sync"
	"time"

	vcrypto "github.com/veilmux/core/internal/crypto"
)

// injectorMinIdle and injectorMaxIdle bound the randomised idle interval
// before a fake-traffic frame is scheduled, per spec.md §4.3.
const (
	injectorMinIdle = 10 * time.Second
	injectorMaxIdle = 30 * time.Second
)

// Injector enqueues a plausible-looking keepalive-shaped frame whenever a
// session has been idle for a randomised interval, generalizing the
// teacher's time.AfterFunc(sesh.InactivityTimeout, sesh.checkTimeout)
// idle-timer idiom in internal/multiplex/session.go into a repeating,
// jittered schedule.
type Injector struct {
	mu      sync.Mutex
	timer   *time.Timer
	emit    func()
	stopped bool
}

// NewInjector starts the idle timer immediately; emit is invoked on the
// injector's own goroutine whenever the idle interval elapses without a
// call to Reset.
func NewInjector(emit func()) *Injector {
	inj := &Injector{emit: emit}
	inj.timer = time.AfterFunc(inj.nextInterval(), inj.fire)
	return inj
}

func (inj *Injector) nextInterval() time.Duration {
	span := injectorMaxIdle - injectorMinIdle
	return injectorMinIdle + time.Duration(vcrypto.RandInt(int(span)))
}

func (inj *Injector) fire() {
	inj.mu.Lock()
	if inj.stopped {
		inj.mu.Unlock()
		return
	}
	inj.timer.Reset(inj.nextInterval())
	inj.mu.Unlock()
	inj.emit()
}

// Reset is called on every real frame send/recv to postpone the next fake
// frame; an active session never gets padded with decoys.
func (inj *Injector) Reset() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	if inj.stopped {
		return
	}
	inj.timer.Reset(inj.nextInterval())
}

func (inj *Injector) Stop() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.stopped = true
	inj.timer.Stop()
}

// FakeFrameNoise returns a random payload, sized like a small keepalive,
// for an injected decoy frame. The receiver is expected to drop these
// after frame-level validation since they carry flag bits or a reserved
// marker the caller chooses not to treat as data; the obfuscator package
// only generates the filler bytes. Returns an error on entropy exhaustion
// rather than a zero-filled buffer — a predictable decoy payload is a
// distinguishable fingerprint, not just cosmetic filler.
func FakeFrameNoise() ([]byte, error) {
	n := 16 + vcrypto.RandInt(48)
	buf := make([]byte, n)
	if err := vcrypto.CryptoRandRead(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
