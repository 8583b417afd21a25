package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// StreamState mirrors one multiplexed flow's summary inside a connection
// record, named in original_source's ConnMeta.stream_states
// (original_source/crates/common/src/lib.rs's protocol types).
type StreamState struct {
	ConnID uint64
	State  uint8
}

// ConnState is the replicated connection record's own lifecycle state,
// per spec.md §3: NEW on INSERT, ACTIVE on first DATA, HALF_CLOSED on
// FIN, CLOSED on FIN/RESET or session loss. It is distinct from
// internal/fabric.FlowState, which tracks one flow's local, unreplicated
// half-close bookkeeping inside a single session rather than the
// cluster-wide record spec.md §3 describes.
type ConnState uint8

const (
	ConnNew ConnState = iota
	ConnActive
	ConnHalfClosed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnActive:
		return "active"
	case ConnHalfClosed:
		return "half_closed"
	case ConnClosed:
		return "closed"
	default:
		return "new"
	}
}

// ConnMeta is the mutable part of a connection record, generalizing
// original_source's ConnMeta (client_addr/nat_entry/assigned_pod/
// stream_states) into Go field names. UserFingerprint/BytesIn/BytesOut/
// ExitNode/EndedAt/CloseReason exist solely so a committed record carries
// everything spec.md §6's batch export schema needs without a second,
// export-only side table.
type ConnMeta struct {
	ClientAddr   [16]byte
	NATPort      uint16
	NATTarget    uint16
	AssignedPod  uint32
	StreamStates []StreamState
	State        ConnState

	UserFingerprint string
	BytesIn         uint64
	BytesOut        uint64
	ExitNode        string
	EndedAt         int64
	CloseReason     string
}

// UserFingerprint derives the pseudonymous id ConnMeta.UserFingerprint and
// the §6 export schema's user_fingerprint column carry, so a sealed
// segment's analytics export never names the authenticated user id
// directly. One-way (sha256, truncated), not reversible from the
// fingerprint alone.
func UserFingerprint(userID uint64) string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], userID)
	sum := sha256.Sum256(b[:])
	return hex.EncodeToString(sum[:16])
}

// Record is one versioned connection entry serialized into a segment, per
// spec.md §4.8's "new or updated connection record."
type Record struct {
	ConnID      uint64
	Metadata    ConnMeta
	CreatedAt   int64
	LastActive  int64
	AccessCount uint64
	TxID        uint64
	Tombstone   bool
}
