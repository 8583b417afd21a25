package obfs

import (
	vcrypto "github.com/veilmux/core/internal/crypto"
)

// sizeClass is one entry of the target-size distribution in spec.md §4.3.
type sizeClass struct {
	target int
	weight float64
}

// sizeClasses mirrors the distribution named in spec.md §4.3 exactly:
// {512:0.40, 1024:0.20, 2048:0.15, 4096:0.15, 8192:0.07, 16384:0.03}.
var sizeClasses = []sizeClass{
	{512, 0.40},
	{1024, 0.20},
	{2048, 0.15},
	{4096, 0.15},
	{8192, 0.07},
	{16384, 0.03},
}

// pickSizeClass draws a weighted-random target size using the CSPRNG-backed
// helper from internal/crypto, generalizing the teacher's
// common.RandItem/RandInt pattern used for its own randomised choices.
func pickSizeClass(minSize int) int {
	r := vcrypto.RandInt(10000)
	acc := 0.0
	chosen := sizeClasses[len(sizeClasses)-1].target
	for _, c := range sizeClasses {
		acc += c.weight
		if float64(r) < acc*10000 {
			chosen = c.target
			break
		}
	}
	if chosen < minSize {
		// payload (or payload+compression overhead) is bigger than the
		// smallest viable class; escalate to the next class that fits.
		for _, c := range sizeClasses {
			if c.target >= minSize {
				return jitter(c.target)
			}
		}
		return jitter(minSize)
	}
	return jitter(chosen)
}

// jitter applies a ±10% uniform jitter around target.
func jitter(target int) int {
	spread := target / 10
	if spread == 0 {
		return target
	}
	delta := vcrypto.RandInt(2*spread+1) - spread
	result := target + delta
	if result < 1 {
		result = 1
	}
	return result
}

// padTo pads data up to size with random bytes, returning the padded
// buffer and leaving data untouched. If size <= len(data) the original
// data is returned unpadded; this happens when pickSizeClass's jitter lands
// below len(data).
func padTo(data []byte, size int) ([]byte, error) {
	if size <= len(data) {
		return data, nil
	}
	out := make([]byte, size)
	copy(out, data)
	if err := vcrypto.CryptoRandRead(out[len(data):]); err != nil {
		return nil, err
	}
	return out, nil
}
