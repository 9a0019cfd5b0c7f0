package client

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// CommandBuffer is the renderer-side proxy of a command buffer stub. It is
// not safe for concurrent use.
type CommandBuffer struct {
	conn       *Conn
	route      ipc.RouteID
	put        int32
	flushCount uint32
}

// CreateOffscreenCommandBuffer asks the channel for a new offscreen command
// buffer.
func (c *Conn) CreateOffscreenCommandBuffer(ctx context.Context, width, height int32) (*CommandBuffer, error) {
	reply, err := c.Call(ctx, ipc.RouteControl, &ipc.CreateOffscreenCommandBuffer{Width: width, Height: height})
	if err != nil {
		return nil, err
	}
	created, ok := reply.Body.(*ipc.CreateCommandBufferReply)
	if !ok || !created.Succeeded {
		return nil, fmt.Errorf("%w: command buffer not created", ErrErrorReply)
	}
	return &CommandBuffer{conn: c, route: created.Route}, nil
}

// CommandBuffer returns a proxy for a command buffer created elsewhere, such
// as a view command buffer created by the host.
func (c *Conn) CommandBuffer(route ipc.RouteID) *CommandBuffer {
	return &CommandBuffer{conn: c, route: route}
}

// Route returns the command buffer's route id.
func (b *CommandBuffer) Route() ipc.RouteID { return b.route }

// PutOffset returns the put offset after the last flush.
func (b *CommandBuffer) PutOffset() int32 { return b.put }

// Flush appends cmds and advances the put offset.
func (b *CommandBuffer) Flush(cmds ...ipc.Command) error {
	b.put += int32(len(cmds))
	b.flushCount++
	return b.conn.Send(b.route, &ipc.AsyncFlush{
		PutOffset:  b.put,
		FlushCount: b.flushCount,
		Commands:   cmds,
	})
}

// WaitForToken blocks until the processed token is in [start, end] or the
// command buffer is in an error state.
func (b *CommandBuffer) WaitForToken(ctx context.Context, start, end int32) (ipc.State, error) {
	return b.waitState(ctx, &ipc.WaitForTokenInRange{Start: start, End: end})
}

// WaitForGetOffset blocks until the get offset is in [start, end] or the
// command buffer is in an error state.
func (b *CommandBuffer) WaitForGetOffset(ctx context.Context, start, end int32) (ipc.State, error) {
	return b.waitState(ctx, &ipc.WaitForGetOffsetInRange{Start: start, End: end})
}

func (b *CommandBuffer) waitState(ctx context.Context, body ipc.Body) (ipc.State, error) {
	reply, err := b.conn.Call(ctx, b.route, body)
	if err != nil {
		return ipc.State{}, err
	}
	state, ok := reply.Body.(*ipc.State)
	if !ok {
		return ipc.State{}, fmt.Errorf("%w: unexpected %s", ErrErrorReply, reply.Kind())
	}
	return *state, nil
}

// InsertSyncPoint mints a sync point. With retire the point retires once
// every command flushed before it has run; otherwise the renderer must retire
// it with RetireSyncPoint.
func (b *CommandBuffer) InsertSyncPoint(ctx context.Context, retire bool) (uint32, error) {
	reply, err := b.conn.Call(ctx, b.route, &ipc.InsertSyncPoint{Retire: retire})
	if err != nil {
		return 0, err
	}
	sp, ok := reply.Body.(*ipc.SyncPointReply)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected %s", ErrErrorReply, reply.Kind())
	}
	return sp.SyncPoint, nil
}

// RetireSyncPoint retires a future sync point.
func (b *CommandBuffer) RetireSyncPoint(id uint32) error {
	return b.conn.Send(b.route, &ipc.RetireSyncPoint{SyncPoint: id})
}

// SignalSyncPoint asks for a SignalSyncPointAck event once syncPoint retires.
func (b *CommandBuffer) SignalSyncPoint(syncPoint, signalID uint32) error {
	return b.conn.Send(b.route, &ipc.SignalSyncPoint{SyncPoint: syncPoint, SignalID: signalID})
}

// Destroy destroys the command buffer.
func (b *CommandBuffer) Destroy(ctx context.Context) error {
	_, err := b.conn.Call(ctx, ipc.RouteControl, &ipc.DestroyCommandBuffer{Route: b.route})
	return err
}
