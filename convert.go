package wasmhost

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// ToBytes converts a call payload into the byte form that crosses the
// host/guest boundary. Byte slices pass through untouched, strings are
// their UTF-8 bytes, BinaryMarshaler types marshal themselves, and
// anything else is encoded as JSON.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// FromBytes decodes a payload produced by a guest call into out, which must
// be a pointer. The inverse of ToBytes: *[]byte receives the raw bytes,
// *string the UTF-8 text, BinaryUnmarshaler types unmarshal themselves, and
// anything else decodes as JSON.
func FromBytes(data []byte, out any) error {
	switch t := out.(type) {
	case *[]byte:
		*t = data
		return nil
	case *string:
		*t = string(data)
		return nil
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return nil
	}
}
