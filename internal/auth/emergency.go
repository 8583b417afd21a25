package auth

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Source is a pluggable side-channel the emergency watcher polls, per the
// Open Question resolution in SPEC_FULL.md §9: the DNS canary and the
// "package yank" signal are both modeled as a Source that reports whether
// emergency mode should be armed.
type Source interface {
	Check(ctx context.Context) (armed bool, level uint8, err error)
}

// EmergencyState is the process-wide armed flag and level, exposed via an
// opaque handle per the "no ambient globals" guidance in spec.md §9.
type EmergencyState struct {
	armed int32
	level int32
}

func NewEmergencyState() *EmergencyState {
	return &EmergencyState{}
}

func (s *EmergencyState) Armed() bool { return atomic.LoadInt32(&s.armed) == 1 }
func (s *EmergencyState) Level() uint8 {
	return uint8(atomic.LoadInt32(&s.level))
}

func (s *EmergencyState) arm(level uint8) {
	atomic.StoreInt32(&s.armed, 1)
	atomic.StoreInt32(&s.level, int32(level))
}

func (s *EmergencyState) disarm() {
	atomic.StoreInt32(&s.armed, 0)
}

// Watcher polls a Source on an interval and flips EmergencyState,
// generalizing the teacher's background-goroutine pattern
// (State.UsedRandomCleaner) into a cancellable polling loop.
type Watcher struct {
	state    *EmergencyState
	source   Source
	interval time.Duration
}

func NewWatcher(state *EmergencyState, source Source, interval time.Duration) *Watcher {
	return &Watcher{state: state, source: source, interval: interval}
}

// Run blocks until ctx is cancelled, polling Source every interval.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			armed, level, err := w.source.Check(ctx)
			if err != nil {
				log.WithError(err).Warn("emergency watcher: source check failed")
				continue
			}
			if armed {
				w.state.arm(level)
			} else {
				w.state.disarm()
			}
		}
	}
}

// DNSCanarySource implements Source by resolving a TXT record whose
// presence (or specific value) signals the operator has triggered the
// canary. The actual DNS resolution is delegated to a caller-supplied
// function so tests don't need a live resolver.
type DNSCanarySource struct {
	Lookup func(ctx context.Context) (txt []string, err error)
	Armed  func(txt []string) (armed bool, level uint8)
}

func (d *DNSCanarySource) Check(ctx context.Context) (bool, uint8, error) {
	txt, err := d.Lookup(ctx)
	if err != nil {
		return false, 0, err
	}
	armed, level := d.Armed(txt)
	return armed, level, nil
}

// OperatorSource is a second Source implementation point for the
// operator-triggered emergency signal, let the operator surface
// (internal/opapi) arm or disarm the watcher without reaching into
// EmergencyState's private fields directly.
type OperatorSource struct {
	armed int32
	level int32
}

func NewOperatorSource() *OperatorSource {
	return &OperatorSource{}
}

// Trigger arms the operator source at level, taking effect on the
// watcher's next poll.
func (o *OperatorSource) Trigger(level uint8) {
	atomic.StoreInt32(&o.level, int32(level))
	atomic.StoreInt32(&o.armed, 1)
}

// Clear disarms the operator source.
func (o *OperatorSource) Clear() {
	atomic.StoreInt32(&o.armed, 0)
}

func (o *OperatorSource) Check(ctx context.Context) (bool, uint8, error) {
	return atomic.LoadInt32(&o.armed) == 1, uint8(atomic.LoadInt32(&o.level)), nil
}
