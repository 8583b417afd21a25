package auth

import "github.com/fxamacker/cbor/v2"

// Structured payloads that travel inside sealed envelopes (the AUTH_REQUEST
// inner record, the TokenPayload) are encoded with CBOR, following
// katzenpost's use of a compact binary struct codec (fxamacker/cbor) for
// its own wire types rather than hand-rolled binary layouts.
func marshalCBOR(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func unmarshalCBOR(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
