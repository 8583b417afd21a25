package frame

import "errors"

var (
	errTooShort        = errors.New("frame shorter than fixed header")
	errLengthMismatch  = errors.New("declared length does not match buffer size")
	errChecksum        = errors.New("crc32 mismatch")
	errPayloadTooLarge   = errors.New("payload exceeds maximum frame size")
	errUnknownControlKind = errors.New("unknown control message kind")
)
