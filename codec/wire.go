package codec

import (
	"math"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the envelope message:
//
//	message Envelope {
//	  bytes  data      = 1;
//	  uint32 sender    = 2;
//	  uint32 recipient = 3;
//	  int64  timestamp = 4;
//	  uint32 kind      = 5;
//	}
const (
	fieldData      protowire.Number = 1
	fieldSender    protowire.Number = 2
	fieldRecipient protowire.Number = 3
	fieldTimestamp protowire.Number = 4
	fieldKind      protowire.Number = 5
)

// DefaultCodec encodes envelopes in the protobuf wire format.
type DefaultCodec struct{}

// Marshal ...
func (c *DefaultCodec) Marshal(e *Envelope, b []byte) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil envelope")
	}
	if len(e.Payload) > MaxPayload {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d > %d", len(e.Payload), MaxPayload)
	}
	// An empty non-nil payload is written as a zero length field so that it
	// decodes back as empty rather than nil.
	if e.Payload != nil {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Sender != 0 {
		b = protowire.AppendTag(b, fieldSender, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Sender))
	}
	if e.Recipient != 0 {
		b = protowire.AppendTag(b, fieldRecipient, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Recipient))
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	if e.Kind != KindData {
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Kind))
	}
	return b, nil
}

// Unmarshal ...
func (c *DefaultCodec) Unmarshal(b []byte, e *Envelope) error {
	*e = Envelope{}
	return walk(b, func(num protowire.Number, v uint64, data []byte) {
		switch num {
		case fieldData:
			e.Payload = append([]byte{}, data...)
		case fieldSender:
			e.Sender = uint32(v)
		case fieldRecipient:
			e.Recipient = uint32(v)
		case fieldTimestamp:
			e.Timestamp = int64(v)
		case fieldKind:
			e.Kind = Kind(v)
		}
	})
}

// PeekHeader ...
func (c *DefaultCodec) PeekHeader(b []byte) (Header, error) {
	var h Header
	err := walk(b, func(num protowire.Number, v uint64, _ []byte) {
		switch num {
		case fieldSender:
			h.Sender = uint32(v)
		case fieldRecipient:
			h.Recipient = uint32(v)
		case fieldKind:
			h.Kind = Kind(v)
		}
	})
	return h, err
}

// walk visits every known field of b. Unknown fields are skipped. Known fields
// with the wrong wire type, truncated input, an oversized payload or a 32-bit
// field that overflows fail with ErrMalformed.
func walk(b []byte, visit func(num protowire.Number, v uint64, data []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		b = b[n:]

		switch num {
		case fieldData:
			if typ != protowire.BytesType {
				return errors.Wrapf(ErrMalformed, "field %d: wire type %d", num, typ)
			}
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
			}
			if len(data) > MaxPayload {
				return errors.Wrapf(ErrMalformed, "payload %d > %d", len(data), MaxPayload)
			}
			visit(num, 0, data)
			b = b[n:]
		case fieldSender, fieldRecipient, fieldTimestamp, fieldKind:
			if typ != protowire.VarintType {
				return errors.Wrapf(ErrMalformed, "field %d: wire type %d", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
			}
			if num != fieldTimestamp && v > math.MaxUint32 {
				return errors.Wrapf(ErrMalformed, "field %d: %d overflows uint32", num, v)
			}
			visit(num, v, nil)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
			}
			b = b[n:]
		}
	}
	return nil
}
