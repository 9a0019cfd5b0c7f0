package ipc

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// EstablishChannel asks the registry to create a channel for a renderer.
type EstablishChannel struct {
	ClientID              int32 `json:"client_id"`
	Preempts              bool  `json:"preempts,omitempty"`
	AllowFutureSyncPoints bool  `json:"allow_future_sync_points,omitempty"`
}

func (*EstablishChannel) Kind() Kind { return KindEstablishChannel }

func (e *EstablishChannel) appendWire(b []byte) []byte {
	b = appendInt(b, 1, e.ClientID)
	b = appendBool(b, 2, e.Preempts)
	return appendBool(b, 3, e.AllowFutureSyncPoints)
}

func (e *EstablishChannel) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			e.ClientID = decodeInt(v)
		case 2:
			e.Preempts = protowire.DecodeBool(v)
		case 3:
			e.AllowFutureSyncPoints = protowire.DecodeBool(v)
		}
		return nil
	})
}

// CloseChannel asks the registry to tear down a renderer's channel.
type CloseChannel struct {
	ClientID int32 `json:"client_id"`
}

func (*CloseChannel) Kind() Kind { return KindCloseChannel }

func (c *CloseChannel) appendWire(b []byte) []byte { return appendInt(b, 1, c.ClientID) }

func (c *CloseChannel) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			c.ClientID = decodeInt(v)
		}
		return nil
	})
}

// CreateViewCommandBuffer creates an on-screen command buffer bound to a
// surface. Route is filled in by the registry.
type CreateViewCommandBuffer struct {
	ClientID  int32   `json:"client_id"`
	SurfaceID int32   `json:"surface_id"`
	Route     RouteID `json:"route_id,omitempty"`
}

func (*CreateViewCommandBuffer) Kind() Kind { return KindCreateViewCommandBuffer }

func (c *CreateViewCommandBuffer) appendWire(b []byte) []byte {
	b = appendInt(b, 1, c.ClientID)
	b = appendInt(b, 2, c.SurfaceID)
	return appendInt(b, 3, int32(c.Route))
}

func (c *CreateViewCommandBuffer) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			c.ClientID = decodeInt(v)
		case 2:
			c.SurfaceID = decodeInt(v)
		case 3:
			c.Route = RouteID(decodeInt(v))
		}
		return nil
	})
}

// DestroyViewCommandBuffer removes an on-screen command buffer.
type DestroyViewCommandBuffer struct {
	ClientID int32   `json:"client_id"`
	Route    RouteID `json:"route_id"`
}

func (*DestroyViewCommandBuffer) Kind() Kind { return KindDestroyViewCommandBuffer }

func (d *DestroyViewCommandBuffer) appendWire(b []byte) []byte {
	b = appendInt(b, 1, d.ClientID)
	return appendInt(b, 2, int32(d.Route))
}

func (d *DestroyViewCommandBuffer) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			d.ClientID = decodeInt(v)
		case 2:
			d.Route = RouteID(decodeInt(v))
		}
		return nil
	})
}

// CreateOffscreenCommandBuffer is sent by the renderer on the control route.
type CreateOffscreenCommandBuffer struct {
	Width      int32   `json:"width"`
	Height     int32   `json:"height"`
	ShareGroup RouteID `json:"share_group,omitempty"`
}

func (*CreateOffscreenCommandBuffer) Kind() Kind { return KindCreateOffscreenCommandBuffer }

func (c *CreateOffscreenCommandBuffer) appendWire(b []byte) []byte {
	b = appendInt(b, 1, c.Width)
	b = appendInt(b, 2, c.Height)
	return appendInt(b, 3, int32(c.ShareGroup))
}

func (c *CreateOffscreenCommandBuffer) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			c.Width = decodeInt(v)
		case 2:
			c.Height = decodeInt(v)
		case 3:
			c.ShareGroup = RouteID(decodeInt(v))
		}
		return nil
	})
}

// DestroyCommandBuffer is sent by the renderer on the control route.
type DestroyCommandBuffer struct {
	Route RouteID `json:"route_id"`
}

func (*DestroyCommandBuffer) Kind() Kind { return KindDestroyCommandBuffer }

func (d *DestroyCommandBuffer) appendWire(b []byte) []byte { return appendInt(b, 1, int32(d.Route)) }

func (d *DestroyCommandBuffer) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			d.Route = RouteID(decodeInt(v))
		}
		return nil
	})
}

// AsyncFlush appends commands to the command buffer and advances the put
// offset.
type AsyncFlush struct {
	PutOffset  int32     `json:"put_offset"`
	FlushCount uint32    `json:"flush_count"`
	Commands   []Command `json:"commands,omitempty"`
}

func (*AsyncFlush) Kind() Kind { return KindAsyncFlush }

func (f *AsyncFlush) appendWire(b []byte) []byte {
	b = appendInt(b, 1, f.PutOffset)
	b = appendUint(b, 2, uint64(f.FlushCount))
	for _, c := range f.Commands {
		var cb []byte
		cb = appendUint(cb, 1, uint64(c.Op))
		cb = appendUint(cb, 2, uint64(c.Arg))
		b = appendBytes(b, 3, cb)
	}
	return b
}

func (f *AsyncFlush) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			f.PutOffset = decodeInt(v)
		case 2:
			f.FlushCount = uint32(v)
		case 3:
			var c Command
			err := consumeFields(raw, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 1:
					c.Op = CommandOp(v)
				case 2:
					c.Arg = uint32(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			f.Commands = append(f.Commands, c)
		}
		return nil
	})
}

// Rescheduled resumes a stub that yielded with unprocessed commands.
type Rescheduled struct{}

func (*Rescheduled) Kind() Kind                 { return KindRescheduled }
func (*Rescheduled) appendWire(b []byte) []byte { return b }
func (*Rescheduled) consumeWire([]byte) error   { return nil }

// WaitForTokenInRange blocks the caller until the executor token is in
// [Start, End].
type WaitForTokenInRange struct {
	Start int32 `json:"start"`
	End   int32 `json:"end"`
}

func (*WaitForTokenInRange) Kind() Kind { return KindWaitForTokenInRange }

func (w *WaitForTokenInRange) appendWire(b []byte) []byte { return appendRange(b, w.Start, w.End) }

func (w *WaitForTokenInRange) consumeWire(b []byte) error {
	return consumeRange(b, &w.Start, &w.End)
}

// WaitForGetOffsetInRange blocks the caller until the executor get offset is
// in [Start, End].
type WaitForGetOffsetInRange struct {
	Start int32 `json:"start"`
	End   int32 `json:"end"`
}

func (*WaitForGetOffsetInRange) Kind() Kind { return KindWaitForGetOffsetInRange }

func (w *WaitForGetOffsetInRange) appendWire(b []byte) []byte { return appendRange(b, w.Start, w.End) }

func (w *WaitForGetOffsetInRange) consumeWire(b []byte) error {
	return consumeRange(b, &w.Start, &w.End)
}

func appendRange(b []byte, start, end int32) []byte {
	b = appendInt(b, 1, start)
	return appendInt(b, 2, end)
}

func consumeRange(b []byte, start, end *int32) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			*start = decodeInt(v)
		case 2:
			*end = decodeInt(v)
		}
		return nil
	})
}

// InsertSyncPoint mints a sync point for the addressed stub. With Retire set
// the point retires once the stub has processed everything before it.
type InsertSyncPoint struct {
	Retire bool `json:"retire"`
}

func (*InsertSyncPoint) Kind() Kind { return KindInsertSyncPoint }

func (s *InsertSyncPoint) appendWire(b []byte) []byte { return appendBool(b, 1, s.Retire) }

func (s *InsertSyncPoint) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			s.Retire = protowire.DecodeBool(v)
		}
		return nil
	})
}

// RetireSyncPoint retires the oldest sync point produced by the stub.
type RetireSyncPoint struct {
	SyncPoint uint32 `json:"sync_point"`
}

func (*RetireSyncPoint) Kind() Kind { return KindRetireSyncPoint }

func (s *RetireSyncPoint) appendWire(b []byte) []byte { return appendUint(b, 1, uint64(s.SyncPoint)) }

func (s *RetireSyncPoint) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			s.SyncPoint = uint32(v)
		}
		return nil
	})
}

// SignalSyncPoint asks for a SignalSyncPointAck once SyncPoint retires.
type SignalSyncPoint struct {
	SyncPoint uint32 `json:"sync_point"`
	SignalID  uint32 `json:"signal_id"`
}

func (*SignalSyncPoint) Kind() Kind { return KindSignalSyncPoint }

func (s *SignalSyncPoint) appendWire(b []byte) []byte {
	b = appendUint(b, 1, uint64(s.SyncPoint))
	return appendUint(b, 2, uint64(s.SignalID))
}

func (s *SignalSyncPoint) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			s.SyncPoint = uint32(v)
		case 2:
			s.SignalID = uint32(v)
		}
		return nil
	})
}

// SetSurfaceVisible toggles the visibility hint of a view command buffer.
type SetSurfaceVisible struct {
	Visible bool `json:"visible"`
}

func (*SetSurfaceVisible) Kind() Kind { return KindSetSurfaceVisible }

func (s *SetSurfaceVisible) appendWire(b []byte) []byte { return appendBool(b, 1, s.Visible) }

func (s *SetSurfaceVisible) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			s.Visible = protowire.DecodeBool(v)
		}
		return nil
	})
}

// SignalSyncPointAck answers a SignalSyncPoint.
type SignalSyncPointAck struct {
	SignalID uint32 `json:"signal_id"`
}

func (*SignalSyncPointAck) Kind() Kind { return KindSignalSyncPointAck }

func (s *SignalSyncPointAck) appendWire(b []byte) []byte { return appendUint(b, 1, uint64(s.SignalID)) }

func (s *SignalSyncPointAck) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			s.SignalID = uint32(v)
		}
		return nil
	})
}

// Destroyed tells the renderer its command buffer is gone.
type Destroyed struct {
	Reason ContextLostReason `json:"reason"`
	Error  ErrorCode         `json:"error"`
}

func (*Destroyed) Kind() Kind { return KindDestroyed }

func (d *Destroyed) appendWire(b []byte) []byte {
	b = appendInt(b, 1, int32(d.Reason))
	return appendInt(b, 2, int32(d.Error))
}

func (d *Destroyed) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			d.Reason = ContextLostReason(decodeInt(v))
		case 2:
			d.Error = ErrorCode(decodeInt(v))
		}
		return nil
	})
}

func (s *State) appendWire(b []byte) []byte {
	b = appendInt(b, 1, s.GetOffset)
	b = appendInt(b, 2, s.Token)
	b = appendInt(b, 3, int32(s.Error))
	return appendInt(b, 4, int32(s.ContextLostReason))
}

func (s *State) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			s.GetOffset = decodeInt(v)
		case 2:
			s.Token = decodeInt(v)
		case 3:
			s.Error = ErrorCode(decodeInt(v))
		case 4:
			s.ContextLostReason = ContextLostReason(decodeInt(v))
		}
		return nil
	})
}

// SyncPointReply answers InsertSyncPoint.
type SyncPointReply struct {
	SyncPoint uint32 `json:"sync_point"`
}

func (*SyncPointReply) Kind() Kind { return KindSyncPointReply }

func (s *SyncPointReply) appendWire(b []byte) []byte { return appendUint(b, 1, uint64(s.SyncPoint)) }

func (s *SyncPointReply) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			s.SyncPoint = uint32(v)
		}
		return nil
	})
}

// CreateCommandBufferReply answers CreateOffscreenCommandBuffer and
// CreateViewCommandBuffer.
type CreateCommandBufferReply struct {
	Succeeded bool    `json:"succeeded"`
	Route     RouteID `json:"route_id"`
}

func (*CreateCommandBufferReply) Kind() Kind { return KindCreateCommandBufferReply }

func (c *CreateCommandBufferReply) appendWire(b []byte) []byte {
	b = appendBool(b, 1, c.Succeeded)
	return appendInt(b, 2, int32(c.Route))
}

func (c *CreateCommandBufferReply) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		switch num {
		case 1:
			c.Succeeded = protowire.DecodeBool(v)
		case 2:
			c.Route = RouteID(decodeInt(v))
		}
		return nil
	})
}

// AckReply is an empty reply. Error replies always carry it.
type AckReply struct{}

func (*AckReply) Kind() Kind                 { return KindAckReply }
func (*AckReply) appendWire(b []byte) []byte { return b }
func (*AckReply) consumeWire([]byte) error   { return nil }
