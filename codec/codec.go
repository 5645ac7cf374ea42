// Package codec implements the envelope serialization contract.
package codec

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrMalformed marks bytes that do not decode to a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("payload too large")

	errCodecNotInit = errors.New("codec not init")

	_codec Codec = &DefaultCodec{}
)

// Codec serializes envelopes.
type Codec interface {
	// Marshal appends the encoding of e to b.
	Marshal(e *Envelope, b []byte) ([]byte, error)
	// Unmarshal decodes b into e. Failures wrap ErrMalformed.
	Unmarshal(b []byte, e *Envelope) error
	// PeekHeader decodes only the routing fields of b.
	PeekHeader(b []byte) (Header, error)
}

// Encode serializes e with the package codec.
func Encode(e *Envelope, b []byte) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Marshal(e, b)
}

// Decode parses b with the package codec.
func Decode(b []byte, e *Envelope) error {
	if _codec == nil {
		return errCodecNotInit
	}
	return _codec.Unmarshal(b, e)
}

// PeekHeader reads the routing fields of b with the package codec.
func PeekHeader(b []byte) (Header, error) {
	if _codec == nil {
		return Header{}, errCodecNotInit
	}
	return _codec.PeekHeader(b)
}

// SetCodec replaces the package codec.
func SetCodec(c Codec) {
	_codec = c
}
