// Package frame implements the canonical wire encoding for the engine's
// data and control frames (component C1). The encoded layout is fixed by
// the spec:
//
//	u16 len | u8 flags | u128 uuid | payload[len-21] | u32 crc32
//
// All multi-byte integers are little-endian and the encoding is
// byte-identical across encoders: it is the test oracle for interop, the
// way the teacher's Frame/Obfser pair is the oracle for its own wire
// format in internal/multiplex/obfs.go.
package frame

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/veilmux/core/internal/errs"
)

// Flag bits, per spec.md §3.
const (
	FlagData uint8 = 1 << iota
	FlagControl
	FlagCompressed
	FlagFin
	FlagReset
	FlagNoise
)

// Field sizes. The 2-byte len prefix is not counted in len itself, which
// covers flags+uuid+payload+crc, so the fixed cost counted in len is
// 1 (flags) + 16 (uuid) + 4 (crc) = 21.
const (
	lenFieldSize   = 2
	flagsFieldSize = 1
	uuidFieldSize  = 16
	crcFieldSize   = 4

	// FixedOverhead is the number of non-payload bytes counted in len.
	FixedOverhead = flagsFieldSize + uuidFieldSize + crcFieldSize // 21

	// MaxPayload is the largest payload len can address.
	MaxPayload = 1<<16 - 1 - FixedOverhead
)

// ControlConnID is the reserved connection id for control frames.
const ControlConnID uint64 = 0

// Frame is the decoded, in-memory representation of a wire frame.
type Frame struct {
	ConnID  uint64
	Flags   uint8
	UUID    [16]byte
	Payload []byte
}

func (f *Frame) IsControl() bool { return f.Flags&FlagControl != 0 }
func (f *Frame) IsData() bool    { return f.Flags&FlagData != 0 }
func (f *Frame) IsFin() bool     { return f.Flags&FlagFin != 0 }
func (f *Frame) IsReset() bool   { return f.Flags&FlagReset != 0 }
func (f *Frame) IsNoise() bool   { return f.Flags&FlagNoise != 0 }

// NewUUID draws a fresh random frame identifier for replay defence.
func NewUUID() [16]byte {
	var u [16]byte
	id := uuid.New()
	copy(u[:], id[:])
	return u
}

// Encode serialises f into the canonical wire layout. The conn id is not a
// header field of its own on the wire (per spec.md §4.1 the header is
// len|flags|uuid|payload|crc and the conn id lives in the first 8 bytes of
// payload for DATA frames); Encode therefore expects callers to have
// already placed ConnID into Payload for data frames via PrependConnID, and
// simply serialises Flags/UUID/Payload/CRC. Control frames (ConnID==0) are
// encoded the same way, with whatever payload the control codec produced.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errs.New(errs.Malformed, "frame.Encode", errPayloadTooLarge)
	}
	total := FixedOverhead + len(f.Payload)
	buf := make([]byte, lenFieldSize+total)

	binary.LittleEndian.PutUint16(buf[0:2], uint16(total))
	buf[2] = f.Flags
	copy(buf[3:3+uuidFieldSize], f.UUID[:])
	copy(buf[3+uuidFieldSize:3+uuidFieldSize+len(f.Payload)], f.Payload)

	crc := crc32.ChecksumIEEE(buf[2 : 3+uuidFieldSize+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], crc)

	return buf, nil
}

// Decode parses the canonical wire layout, validating length and checksum.
// On any corruption it returns Malformed or Crypto-adjacent Checksum errors
// rather than a silently different frame, per the frame round-trip
// invariant in spec.md §8.
func Decode(b []byte) (*Frame, error) {
	if len(b) < lenFieldSize+FixedOverhead {
		return nil, errs.New(errs.Malformed, "frame.Decode", errTooShort)
	}
	total := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) != lenFieldSize+total {
		return nil, errs.New(errs.Malformed, "frame.Decode", errLengthMismatch)
	}
	if total < FixedOverhead {
		return nil, errs.New(errs.Malformed, "frame.Decode", errLengthMismatch)
	}

	body := b[2:]
	gotCRC := binary.LittleEndian.Uint32(body[len(body)-4:])
	wantCRC := crc32.ChecksumIEEE(body[:len(body)-4])
	if gotCRC != wantCRC {
		return nil, errs.New(errs.Malformed, "frame.Decode", errChecksum)
	}

	f := &Frame{}
	f.Flags = body[0]
	copy(f.UUID[:], body[1:1+uuidFieldSize])
	payloadLen := len(body) - 4 - 1 - uuidFieldSize
	f.Payload = make([]byte, payloadLen)
	copy(f.Payload, body[1+uuidFieldSize:1+uuidFieldSize+payloadLen])

	if f.Flags&FlagControl != 0 {
		f.ConnID = ControlConnID
	} else if len(f.Payload) >= 8 {
		f.ConnID = binary.LittleEndian.Uint64(f.Payload[:8])
	}
	return f, nil
}

// PeekConnID inspects the first eight payload bytes of an encoded data
// frame without allocating or fully decoding it, per spec.md §4.1.
func PeekConnID(b []byte) (uint64, error) {
	const offset = lenFieldSize + flagsFieldSize + uuidFieldSize
	if len(b) < offset+8 {
		return 0, errs.New(errs.Malformed, "frame.PeekConnID", errTooShort)
	}
	return binary.LittleEndian.Uint64(b[offset : offset+8]), nil
}

// PrependConnID places a connection id at the front of a payload buffer,
// the inverse of the first-8-bytes convention PeekConnID and Decode rely
// on for data frames.
func PrependConnID(connID uint64, rest []byte) []byte {
	out := make([]byte, 8+len(rest))
	binary.LittleEndian.PutUint64(out[:8], connID)
	copy(out[8:], rest)
	return out
}
