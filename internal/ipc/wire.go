package ipc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers of the binary encoding.
const (
	fieldRoute protowire.Number = 1
	fieldKind  protowire.Number = 2
	fieldSync  protowire.Number = 3
	fieldID    protowire.Number = 4
	fieldError protowire.Number = 5
	fieldBody  protowire.Number = 6
)

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int32) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func decodeInt(v uint64) int32 {
	return int32(protowire.DecodeZigZag(v))
}

// fieldFunc receives one decoded field. v holds varint values, raw holds
// length-delimited values.
type fieldFunc func(num protowire.Number, v uint64, raw []byte) error

// consumeFields walks b and calls fn for each varint or bytes field. Other
// wire types are skipped.
func consumeFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func marshalWire(m Message) []byte {
	b := make([]byte, 0, 64)
	b = appendInt(b, fieldRoute, int32(m.Route))
	b = appendUint(b, fieldKind, uint64(m.Kind()))
	b = appendBool(b, fieldSync, m.Sync)
	b = appendUint(b, fieldID, m.ID)
	b = appendBool(b, fieldError, m.Error)
	if m.Body != nil {
		b = appendBytes(b, fieldBody, m.Body.appendWire(nil))
	}
	return b
}

func unmarshalWire(b []byte) (Message, error) {
	var (
		m    Message
		kind Kind
		body []byte
	)
	err := consumeFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldRoute:
			m.Route = RouteID(decodeInt(v))
		case fieldKind:
			kind = Kind(v)
		case fieldSync:
			m.Sync = protowire.DecodeBool(v)
		case fieldID:
			m.ID = v
		case fieldError:
			m.Error = protowire.DecodeBool(v)
		case fieldBody:
			body = raw
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	m.Body, err = newBody(kind)
	if err != nil {
		return Message{}, err
	}
	if err := m.Body.consumeWire(body); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}
