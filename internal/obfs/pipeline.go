package obfs

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/frame"
)

// compressThreshold is the payload size at which compression is attempted,
// per spec.md §4.3.
const compressThreshold = 1024

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Clock supplies the wall-clock second bucket the mask is keyed on,
// injected so tests can hold time fixed.
type Clock func() int64

// Pipeline is the obfuscator bound to one session's key and clock. It is
// stateless across frames except for the derived mask window, per
// spec.md §4.3: constructing a fresh Pipeline with the same session key
// and clock reproduces identical output.
type Pipeline struct {
	SessionKey [32]byte
	Now        Clock
}

// Obfuscate runs the egress pipeline: optional compression, length-prefix
// framing for padding removal, size-class padding with jitter, then the
// rolling mask.
func (p *Pipeline) Obfuscate(f *frame.Frame) ([]byte, error) {
	ff := *f
	if len(ff.Payload) >= compressThreshold {
		compressed := encoder.EncodeAll(ff.Payload, nil)
		if len(compressed) < len(ff.Payload) {
			ff.Payload = compressed
			ff.Flags |= frame.FlagCompressed
		}
	}

	encoded, err := frame.Encode(&ff)
	if err != nil {
		return nil, err
	}

	lengthPrefixed := make([]byte, 4+len(encoded))
	binary.LittleEndian.PutUint32(lengthPrefixed[:4], uint32(len(encoded)))
	copy(lengthPrefixed[4:], encoded)

	target := pickSizeClass(len(lengthPrefixed))
	padded, err := padTo(lengthPrefixed, target)
	if err != nil {
		return nil, errs.New(errs.Exhausted, "obfs.Obfuscate", err)
	}

	masked := append([]byte(nil), padded...)
	NewMaskStream(p.SessionKey, p.secondBucket()).XOR(masked)
	return masked, nil
}

// Deobfuscate reverses Obfuscate.
func (p *Pipeline) Deobfuscate(masked []byte) (*frame.Frame, error) {
	unmasked := append([]byte(nil), masked...)
	NewMaskStream(p.SessionKey, p.secondBucket()).XOR(unmasked)

	if len(unmasked) < 4 {
		return nil, errs.New(errs.Malformed, "obfs.Deobfuscate", errTooShortAfterUnmask)
	}
	realLen := int(binary.LittleEndian.Uint32(unmasked[:4]))
	if realLen < 0 || 4+realLen > len(unmasked) {
		return nil, errs.New(errs.Malformed, "obfs.Deobfuscate", errTooShortAfterUnmask)
	}
	encoded := unmasked[4 : 4+realLen]

	f, err := frame.Decode(encoded)
	if err != nil {
		return nil, err
	}

	if f.Flags&frame.FlagCompressed != 0 {
		decompressed, err := decoder.DecodeAll(f.Payload, nil)
		if err != nil {
			return nil, errs.New(errs.Malformed, "obfs.Deobfuscate", err)
		}
		f.Payload = decompressed
		f.Flags &^= frame.FlagCompressed
		if len(f.Payload) >= 8 && f.Flags&frame.FlagControl == 0 {
			f.ConnID = leUint64(f.Payload[:8])
		}
	}
	return f, nil
}

func (p *Pipeline) secondBucket() int64 {
	now := p.Now
	if now == nil {
		now = defaultClock
	}
	return now() / 1000
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
