package ipc

import (
	"fmt"
	"math"
)

// RouteID addresses a stub or listener inside a channel.
type RouteID int32

const (
	// RouteControl addresses the channel (or registry) itself rather than a stub.
	RouteControl RouteID = math.MaxInt32
	// RouteNone is never assigned to a listener.
	RouteNone RouteID = -2
)

// Kind is the type tag of a message body.
type Kind uint8

const (
	KindInvalid Kind = iota

	// Channel control, renderer -> channel.
	KindCreateOffscreenCommandBuffer
	KindDestroyCommandBuffer

	// Process control, host -> registry.
	KindEstablishChannel
	KindCloseChannel
	KindCreateViewCommandBuffer
	KindDestroyViewCommandBuffer

	// Routed, renderer -> stub.
	KindAsyncFlush
	KindRescheduled
	KindWaitForTokenInRange
	KindWaitForGetOffsetInRange
	KindInsertSyncPoint
	KindRetireSyncPoint
	KindSignalSyncPoint
	KindSetSurfaceVisible

	// Downstream, stub -> renderer.
	KindSignalSyncPointAck
	KindDestroyed

	// Replies to synchronous messages.
	KindStateReply
	KindSyncPointReply
	KindCreateCommandBufferReply
	KindAckReply

	kindCount
)

var kindNames = [...]string{
	KindInvalid:                      "invalid",
	KindCreateOffscreenCommandBuffer: "createOffscreenCommandBuffer",
	KindDestroyCommandBuffer:         "destroyCommandBuffer",
	KindEstablishChannel:             "establishChannel",
	KindCloseChannel:                 "closeChannel",
	KindCreateViewCommandBuffer:      "createViewCommandBuffer",
	KindDestroyViewCommandBuffer:     "destroyViewCommandBuffer",
	KindAsyncFlush:                   "asyncFlush",
	KindRescheduled:                  "rescheduled",
	KindWaitForTokenInRange:          "waitForTokenInRange",
	KindWaitForGetOffsetInRange:      "waitForGetOffsetInRange",
	KindInsertSyncPoint:              "insertSyncPoint",
	KindRetireSyncPoint:              "retireSyncPoint",
	KindSignalSyncPoint:              "signalSyncPoint",
	KindSetSurfaceVisible:            "setSurfaceVisible",
	KindSignalSyncPointAck:           "signalSyncPointAck",
	KindDestroyed:                    "destroyed",
	KindStateReply:                   "stateReply",
	KindSyncPointReply:               "syncPointReply",
	KindCreateCommandBufferReply:     "createCommandBufferReply",
	KindAckReply:                     "ackReply",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind returns the kind with the given wire name.
func ParseKind(name string) (Kind, error) {
	for k := KindInvalid + 1; k < kindCount; k++ {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}

// IsReply reports whether the kind answers a synchronous message.
func (k Kind) IsReply() bool {
	return k >= KindStateReply && k < kindCount
}

// Body is the typed payload of a message. Implementations are pointers to the
// structs in this package.
type Body interface {
	Kind() Kind
	appendWire(b []byte) []byte
	consumeWire(b []byte) error
}

// Message is a single IPC message on a channel.
type Message struct {
	Route RouteID
	Sync  bool
	// ID identifies a synchronous request; replies echo it.
	ID uint64
	// Error marks a reply that carries no result.
	Error bool
	// Seq is assigned by the preemption monitor on arrival and is used only
	// for preemption timing. It never goes on the wire.
	Seq  uint64
	Body Body
}

// Kind returns the body kind.
func (m Message) Kind() Kind {
	if m.Body == nil {
		return KindInvalid
	}
	return m.Body.Kind()
}

// IsControl reports whether the message addresses the channel itself.
func (m Message) IsControl() bool {
	return m.Route == RouteControl
}

// IsWaitRange reports whether the message is a token or get-offset range wait.
// These jump to the front of the deferred queue.
func (m Message) IsWaitRange() bool {
	k := m.Kind()
	return k == KindWaitForTokenInRange || k == KindWaitForGetOffsetInRange
}

func (m Message) String() string {
	return fmt.Sprintf("%s(route=%d sync=%t id=%d)", m.Kind(), m.Route, m.Sync, m.ID)
}

// ReplyTo builds the reply for a synchronous request.
func ReplyTo(req Message, body Body) Message {
	return Message{Route: req.Route, ID: req.ID, Body: body}
}

// ErrorReply builds an error reply for a synchronous request.
func ErrorReply(req Message) Message {
	return Message{Route: req.Route, ID: req.ID, Error: true, Body: &AckReply{}}
}

// newBody returns an empty body for kind.
func newBody(k Kind) (Body, error) {
	switch k {
	case KindCreateOffscreenCommandBuffer:
		return &CreateOffscreenCommandBuffer{}, nil
	case KindDestroyCommandBuffer:
		return &DestroyCommandBuffer{}, nil
	case KindEstablishChannel:
		return &EstablishChannel{}, nil
	case KindCloseChannel:
		return &CloseChannel{}, nil
	case KindCreateViewCommandBuffer:
		return &CreateViewCommandBuffer{}, nil
	case KindDestroyViewCommandBuffer:
		return &DestroyViewCommandBuffer{}, nil
	case KindAsyncFlush:
		return &AsyncFlush{}, nil
	case KindRescheduled:
		return &Rescheduled{}, nil
	case KindWaitForTokenInRange:
		return &WaitForTokenInRange{}, nil
	case KindWaitForGetOffsetInRange:
		return &WaitForGetOffsetInRange{}, nil
	case KindInsertSyncPoint:
		return &InsertSyncPoint{}, nil
	case KindRetireSyncPoint:
		return &RetireSyncPoint{}, nil
	case KindSignalSyncPoint:
		return &SignalSyncPoint{}, nil
	case KindSetSurfaceVisible:
		return &SetSurfaceVisible{}, nil
	case KindSignalSyncPointAck:
		return &SignalSyncPointAck{}, nil
	case KindDestroyed:
		return &Destroyed{}, nil
	case KindStateReply:
		return &State{}, nil
	case KindSyncPointReply:
		return &SyncPointReply{}, nil
	case KindCreateCommandBufferReply:
		return &CreateCommandBufferReply{}, nil
	case KindAckReply:
		return &AckReply{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
}
