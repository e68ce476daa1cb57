package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

var errTrailingData = errors.New("codec: trailing data after value")

// JSON is the structured text strategy
type JSON struct{}

// Name implements Strategy
func (JSON) Name() string { return "json" }

// Encode implements Strategy
func (JSON) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Strategy
func (JSON) Decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeInto implements Strategy
func (JSON) DecodeInto(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

// msgpackMarker tags msgpack payloads. 0xc1 is never used by msgpack and is
// not valid UTF-8, so raw text can never carry it.
const msgpackMarker byte = 0xc1

var errNotMsgpack = errors.New("codec: payload is not tagged msgpack")

// Msgpack is the binary object strategy. It accepts values JSON rejects, such
// as NaN or infinite floats and maps keyed by structs. Payloads carry a
// leading marker byte: every ASCII byte is a complete msgpack fixint, so an
// untagged one-character string would otherwise decode as a number.
type Msgpack struct{}

// Name implements Strategy
func (Msgpack) Name() string { return "msgpack" }

// Encode implements Strategy
func (Msgpack) Encode(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{msgpackMarker}, data...), nil
}

// Decode implements Strategy. The whole payload must be consumed.
func (Msgpack) Decode(data []byte) (any, error) {
	r, err := msgpackReader(data)
	if err != nil {
		return nil, err
	}
	v, err := msgpack.NewDecoder(r).DecodeInterface()
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errTrailingData
	}
	return v, nil
}

// DecodeInto implements Strategy
func (Msgpack) DecodeInto(data []byte, dst any) error {
	r, err := msgpackReader(data)
	if err != nil {
		return err
	}
	if err := msgpack.NewDecoder(r).Decode(dst); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errTrailingData
	}
	return nil
}

func msgpackReader(data []byte) (*bytes.Reader, error) {
	if len(data) < 2 || data[0] != msgpackMarker {
		return nil, errNotMsgpack
	}
	return bytes.NewReader(data[1:]), nil
}
