package auth

import (
	"bytes"
	"errors"
	"strconv"
)

var errTokenTooShort = errors.New("token shorter than a signature")

// decodeUserIDPrefix parses the "user_id:timestamp:random" convention
// BuildRequest uses for hmac_base, returning 0 if it cannot be
// parsed (resolveUser then fails the lookup rather than risking a panic
// on malformed client input).
func decodeUserIDPrefix(hmacBase []byte) uint64 {
	idx := bytes.IndexByte(hmacBase, ':')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(hmacBase[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
