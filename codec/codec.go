// Package codec encodes and decodes the JSON records kept in the store.
// Every decode validates the record so callers never operate on a partially valid value.
package codec

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/pairing/types"
)

type record[T any] interface {
	*T
	types.Record
}

// Encode validates r and returns its JSON encoding.
func Encode(r types.Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, eris.Wrapf(err, "refusing to encode invalid %s", r.RecordKind())
	}
	bz, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to encode %s", r.RecordKind())
	}
	return bz, nil
}

// EncodeString is Encode for callers that write string values.
func EncodeString(r types.Record) (string, error) {
	bz, err := Encode(r)
	if err != nil {
		return "", err
	}
	return string(bz), nil
}

// Decode parses bz into T and validates it. Any failure is reported as types.ErrCorruptRecord.
func Decode[T any, P record[T]](bz []byte) (T, error) {
	var v T
	if len(bz) == 0 {
		return v, eris.Wrap(types.ErrCorruptRecord, "empty payload")
	}
	if err := json.Unmarshal(bz, &v); err != nil {
		return v, eris.Wrapf(types.ErrCorruptRecord, "malformed payload: %v", err)
	}
	if err := P(&v).Validate(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func DecodeString[T any, P record[T]](s string) (T, error) {
	return Decode[T, P]([]byte(s))
}
