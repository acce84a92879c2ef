// Package codec converts call specifications and result values to and from
// the opaque byte payloads persisted by the store. The store and worker never
// interpret these payloads; the codec is the only component that does.
package codec

import (
	"fmt"
)

// CallSpec describes one queued invocation: a registered handler name plus
// its arguments. Handlers are registered by name with the worker's Registry;
// closures are not serialized.
type CallSpec struct {
	Handler string            `json:"handler"`
	Args    []any             `json:"args,omitempty"`
	Kwargs  map[string]any    `json:"kwargs,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Codec maps call specifications and result values to opaque bytes and back.
// For every value a codec accepts, Decode(Encode(x)) must be observationally
// equal to x under the codec's own equivalence (see JSON for the default).
type Codec interface {
	EncodeTask(spec CallSpec) ([]byte, error)
	DecodeTask(payload []byte) (CallSpec, error)
	EncodeValue(value any) ([]byte, error)
	DecodeValue(payload []byte) (any, error)
}

// Error is returned by all Codec implementations when an input cannot be
// represented, or bytes cannot be parsed. Match with errors.As.
type Error struct {
	Op  string // "encode task", "decode task", "encode value", or "decode value"
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("codec: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }
