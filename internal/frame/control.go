package frame

import (
	"encoding/binary"

	"github.com/veilmux/core/internal/errs"
)

// ControlKind tags exactly one variant per control frame, per spec.md §3.
type ControlKind uint8

const (
	ControlPing ControlKind = iota
	ControlPong
	ControlDoHQuery
	ControlDoHResponse
	ControlKeyRotation
	ControlEmergency
	ControlAuthRequest
	ControlAuthResponse
)

// Control is the decoded payload of a CONTROL frame.
type Control struct {
	Kind ControlKind

	// DOH_QUERY / DOH_RESPONSE
	DoH []byte

	// KEY_ROTATION
	NewPublicKey [32]byte
	ValidFrom    int64
	ValidUntil   int64

	// EMERGENCY
	Level        uint8
	TriggerAfter int64

	// AUTH_REQUEST / AUTH_RESPONSE carry opaque, already-sealed envelopes;
	// the auth package owns their inner structure.
	Opaque []byte
}

// EncodeControl serialises a Control into a frame payload. The wire layout
// is a 1-byte kind tag followed by a kind-specific body; this keeps the
// control codec independent of the data-frame conn-id convention, since
// control frames carry ConnID==0 and no leading 8-byte id.
func EncodeControl(c *Control) ([]byte, error) {
	switch c.Kind {
	case ControlPing, ControlPong:
		return []byte{byte(c.Kind)}, nil
	case ControlDoHQuery, ControlDoHResponse, ControlAuthRequest, ControlAuthResponse:
		body := c.DoH
		if len(c.Opaque) > 0 {
			body = c.Opaque
		}
		buf := make([]byte, 1+len(body))
		buf[0] = byte(c.Kind)
		copy(buf[1:], body)
		return buf, nil
	case ControlKeyRotation:
		buf := make([]byte, 1+32+8+8)
		buf[0] = byte(c.Kind)
		copy(buf[1:33], c.NewPublicKey[:])
		binary.LittleEndian.PutUint64(buf[33:41], uint64(c.ValidFrom))
		binary.LittleEndian.PutUint64(buf[41:49], uint64(c.ValidUntil))
		return buf, nil
	case ControlEmergency:
		buf := make([]byte, 1+1+8)
		buf[0] = byte(c.Kind)
		buf[1] = c.Level
		binary.LittleEndian.PutUint64(buf[2:10], uint64(c.TriggerAfter))
		return buf, nil
	default:
		return nil, errs.New(errs.Malformed, "frame.EncodeControl", errUnknownControlKind)
	}
}

// DecodeControl parses a control frame payload produced by EncodeControl.
func DecodeControl(b []byte) (*Control, error) {
	if len(b) < 1 {
		return nil, errs.New(errs.Malformed, "frame.DecodeControl", errTooShort)
	}
	kind := ControlKind(b[0])
	c := &Control{Kind: kind}
	body := b[1:]

	switch kind {
	case ControlPing, ControlPong:
		return c, nil
	case ControlDoHQuery, ControlDoHResponse, ControlAuthRequest, ControlAuthResponse:
		c.DoH = append([]byte(nil), body...)
		c.Opaque = c.DoH
		return c, nil
	case ControlKeyRotation:
		if len(body) != 32+8+8 {
			return nil, errs.New(errs.Malformed, "frame.DecodeControl", errLengthMismatch)
		}
		copy(c.NewPublicKey[:], body[0:32])
		c.ValidFrom = int64(binary.LittleEndian.Uint64(body[32:40]))
		c.ValidUntil = int64(binary.LittleEndian.Uint64(body[40:48]))
		return c, nil
	case ControlEmergency:
		if len(body) != 1+8 {
			return nil, errs.New(errs.Malformed, "frame.DecodeControl", errLengthMismatch)
		}
		c.Level = body[0]
		c.TriggerAfter = int64(binary.LittleEndian.Uint64(body[1:9]))
		return c, nil
	default:
		return nil, errs.New(errs.Malformed, "frame.DecodeControl", errUnknownControlKind)
	}
}
