package obfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmux/core/internal/frame"
)

func fixedClock(ms int64) Clock {
	return func() int64 { return ms }
}

func TestMaskUnmaskIdentity(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	payload := []byte("the payload bytes to protect")
	masked := Mask(key, 42, payload)
	assert.NotEqual(t, payload, masked)

	unmasked := Unmask(key, 42, masked)
	assert.Equal(t, payload, unmasked)
}

func TestMaskDeterministicAcrossInstances(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("session-key-session-key-session"))

	a := Mask(key, 1000, []byte("same payload"))
	b := Mask(key, 1000, []byte("same payload"))
	assert.Equal(t, a, b)
}

func TestPipelineObfuscateDeobfuscateRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))

	p := &Pipeline{SessionKey: key, Now: fixedClock(5000)}

	f := &frame.Frame{
		Flags:   frame.FlagData,
		UUID:    frame.NewUUID(),
		Payload: frame.PrependConnID(1, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")),
	}

	wire, err := p.Obfuscate(f)
	require.NoError(t, err)

	matchesClass := false
	for _, c := range sizeClasses {
		lo := c.target - c.target/10 - 1
		hi := c.target + c.target/10 + 1
		if len(wire) >= lo && len(wire) <= hi {
			matchesClass = true
			break
		}
	}
	assert.True(t, matchesClass, "obfuscated length %d does not match any size class ±10%%", len(wire))

	p2 := &Pipeline{SessionKey: key, Now: fixedClock(5000)}
	got, err := p2.Deobfuscate(wire)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, got.Payload)
	assert.Equal(t, f.UUID, got.UUID)
}

func TestPipelineCompressesLargePayloads(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("abcdefghijklmnopqrstuvwxyz012345"))
	p := &Pipeline{SessionKey: key, Now: fixedClock(9000)}

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	f := &frame.Frame{Flags: frame.FlagData, UUID: frame.NewUUID(), Payload: frame.PrependConnID(9, big)}

	wire, err := p.Obfuscate(f)
	require.NoError(t, err)

	p2 := &Pipeline{SessionKey: key, Now: fixedClock(9000)}
	got, err := p2.Deobfuscate(wire)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestWindowPeriodLength(t *testing.T) {
	var key [32]byte
	w := Window(key, 1)
	assert.Len(t, w, WindowPeriod)
}

func TestPickSizeClassNeverBelowMinLessJitter(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := pickSizeClass(20000)
		assert.GreaterOrEqual(t, c, 20000-2000)
	}
}
