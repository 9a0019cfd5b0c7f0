package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Websocket subprotocols understood by the transport.
const (
	SubprotocolBinary = "binary.gpuchannel.v1"
	SubprotocolJSON   = "json.gpuchannel.v1"
)

// Subprotocols lists supported subprotocols in order of preference.
var Subprotocols = []string{SubprotocolBinary, SubprotocolJSON}

// Codec converts messages to and from transport frames.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
	Subprotocol() string
	// Text reports whether frames are text rather than binary.
	Text() bool
	Close()
}

// NewCodec returns the codec for a negotiated subprotocol. An empty
// subprotocol selects JSON.
func NewCodec(subprotocol string, compressThreshold int) (Codec, error) {
	switch subprotocol {
	case SubprotocolBinary:
		return NewBinaryCodec(compressThreshold)
	case SubprotocolJSON, "":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, subprotocol)
	}
}

// Frame flags of the binary codec.
const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// maxDecodedFrame bounds the size of a decompressed frame.
const maxDecodedFrame = 16 << 20

// BinaryCodec writes protowire-encoded messages behind a one byte flag.
// Payloads of at least compressThreshold bytes are zstd compressed; a
// non-positive threshold disables compression.
type BinaryCodec struct {
	compressThreshold int
	zstdEncoder       *zstd.Encoder
	zstdDecoder       *zstd.Decoder
}

// NewBinaryCodec creates a BinaryCodec.
func NewBinaryCodec(compressThreshold int) (*BinaryCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedFrame))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &BinaryCodec{
		compressThreshold: compressThreshold,
		zstdEncoder:       enc,
		zstdDecoder:       dec,
	}, nil
}

func (c *BinaryCodec) Encode(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("%w: message has no body", ErrUnknownKind)
	}
	payload := marshalWire(m)
	if c.compressThreshold > 0 && len(payload) >= c.compressThreshold {
		out := make([]byte, 1, len(payload)/2+1)
		out[0] = flagZstd
		return c.zstdEncoder.EncodeAll(payload, out), nil
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, flagPlain)
	return append(out, payload...), nil
}

func (c *BinaryCodec) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	payload := frame[1:]
	switch frame[0] {
	case flagPlain:
	case flagZstd:
		var err error
		payload, err = c.zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return Message{}, fmt.Errorf("%w: zstd: %v", ErrMalformedFrame, err)
		}
	default:
		return Message{}, fmt.Errorf("%w: unknown flag %#x", ErrMalformedFrame, frame[0])
	}
	return unmarshalWire(payload)
}

func (c *BinaryCodec) Subprotocol() string { return SubprotocolBinary }
func (c *BinaryCodec) Text() bool          { return false }

// Close releases compression resources. It is idempotent.
func (c *BinaryCodec) Close() {
	if c.zstdEncoder != nil {
		_ = c.zstdEncoder.Close()
		c.zstdEncoder = nil
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}
}

// jsonEnvelope is the JSON framing of a message.
type jsonEnvelope struct {
	Type  string          `json:"type"`
	Route RouteID         `json:"route"`
	Sync  bool            `json:"sync,omitempty"`
	ID    uint64          `json:"id,omitempty"`
	Error bool            `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// JSONCodec encodes messages as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Encode(m Message) ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("%w: message has no body", ErrUnknownKind)
	}
	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", m.Kind(), err)
	}
	return json.Marshal(jsonEnvelope{
		Type:  m.Kind().String(),
		Route: m.Route,
		Sync:  m.Sync,
		ID:    m.ID,
		Error: m.Error,
		Body:  body,
	})
}

func (JSONCodec) Decode(frame []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind, err := ParseKind(env.Type)
	if err != nil {
		return Message{}, err
	}
	body, err := newBody(kind)
	if err != nil {
		return Message{}, err
	}
	if len(env.Body) > 0 && string(env.Body) != "null" {
		if err := json.Unmarshal(env.Body, body); err != nil {
			return Message{}, fmt.Errorf("%w: %s body: %v", ErrMalformedFrame, kind, err)
		}
	}
	return Message{
		Route: env.Route,
		Sync:  env.Sync,
		ID:    env.ID,
		Error: env.Error,
		Body:  body,
	}, nil
}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Text() bool          { return true }
func (JSONCodec) Close()              {}
