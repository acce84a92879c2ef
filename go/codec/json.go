package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON is the default Codec. Values round-trip under JSON equivalence:
// numbers decode as float64, and struct or map values decode as
// map[string]any. Values JSON cannot represent (channels, funcs, cycles)
// fail to encode.
type JSON struct{}

// NewJSON returns the default JSON codec.
func NewJSON() JSON { return JSON{} }

func (JSON) EncodeTask(spec CallSpec) ([]byte, error) {
	if spec.Handler == "" {
		return nil, &Error{Op: "encode task", Err: fmt.Errorf("call spec has no handler name")}
	}
	var b, err = json.Marshal(spec)
	if err != nil {
		return nil, &Error{Op: "encode task", Err: err}
	}
	return b, nil
}

func (JSON) DecodeTask(payload []byte) (CallSpec, error) {
	var spec CallSpec
	if err := unmarshalStrict(payload, &spec); err != nil {
		return CallSpec{}, &Error{Op: "decode task", Err: err}
	}
	if spec.Handler == "" {
		return CallSpec{}, &Error{Op: "decode task", Err: fmt.Errorf("payload has no handler name")}
	}
	return spec, nil
}

func (JSON) EncodeValue(value any) ([]byte, error) {
	var b, err = json.Marshal(value)
	if err != nil {
		return nil, &Error{Op: "encode value", Err: err}
	}
	return b, nil
}

func (JSON) DecodeValue(payload []byte) (any, error) {
	var value any
	if err := unmarshalStrict(payload, &value); err != nil {
		return nil, &Error{Op: "decode value", Err: err}
	}
	return value, nil
}

// unmarshalStrict decodes exactly one JSON document and rejects trailing bytes.
func unmarshalStrict(payload []byte, into any) error {
	var dec = json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(into); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON document")
	}
	return nil
}
