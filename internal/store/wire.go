package store

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/veilmux/core/internal/errs"
)

func marshalRecord(r *Record) ([]byte, error) {
	b, err := cbor.Marshal(r)
	if err != nil {
		return nil, errs.New(errs.StoreIo, "store.marshalRecord", err)
	}
	return b, nil
}

func unmarshalRecord(b []byte, r *Record) error {
	if err := cbor.Unmarshal(b, r); err != nil {
		return errs.New(errs.StoreIo, "store.unmarshalRecord", err)
	}
	return nil
}
