package fabric

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/frame"
)

// Hub tracks every live Session on a handler process and implements
// auth.Broadcaster, pushing KEY_ROTATION and EMERGENCY control frames to
// every tunnel the way the teacher's State broadcasts shutdown across its
// active connection set (internal/server/state.go), generalized from one
// signal to the spec's two broadcast control kinds.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[uint64]*Session)}
}

func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

func (h *Hub) Remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastKeyRotation implements auth.Broadcaster, per spec.md §4.6
// "Scheduled rotation": push KEY_ROTATION to every live tunnel.
func (h *Hub) BroadcastKeyRotation(newPublic [32]byte, validFrom, validUntil time.Time) {
	c := &frame.Control{
		Kind:         frame.ControlKeyRotation,
		NewPublicKey: newPublic,
		ValidFrom:    validFrom.Unix(),
		ValidUntil:   validUntil.Unix(),
	}
	for _, s := range h.snapshot() {
		if err := s.SendControl(c); err != nil {
			log.WithError(err).Debug("fabric: key rotation broadcast failed on one session")
		}
	}
}

// BroadcastEmergency implements auth.Broadcaster, per spec.md §4.6 "Forced
// rotation": send EMERGENCY to every live session. KeyManager.ForceRotate
// calls DropAll right after this to tear every session down, so the
// EMERGENCY notification is best-effort: a client that misses the frame
// still finds its tunnel closed a moment later.
func (h *Hub) BroadcastEmergency(level uint8, triggerAfter time.Duration) {
	c := &frame.Control{
		Kind:         frame.ControlEmergency,
		Level:        level,
		TriggerAfter: int64(triggerAfter.Seconds()),
	}
	for _, s := range h.snapshot() {
		if err := s.SendControl(c); err != nil {
			log.WithError(err).Debug("fabric: emergency broadcast failed on one session")
		}
	}
}

// DropAll closes every tracked session, used on forced rotation / COMPROMISE.
func (h *Hub) DropAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[uint64]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(0)
	}
}
