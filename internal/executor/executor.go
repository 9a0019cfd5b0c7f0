// Package executor provides the command executor behind each command buffer.
//
// Offsets count commands: the put offset is the number of commands the
// renderer has written and the get offset is how many have been processed.
package executor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

var (
	ErrTooManyContexts = errors.New("too many live contexts")
	ErrInvalidSurface  = errors.New("invalid surface id")
)

// Config bounds executor work.
type Config struct {
	// CommandsPerFlush caps the commands processed by one Flush. Zero means
	// no cap.
	CommandsPerFlush int `mapstructure:"commands_per_flush"`
	// MaxPendingCommands is the most unprocessed commands a buffer may hold.
	MaxPendingCommands int `mapstructure:"max_pending_commands"`
	// MaxContexts caps live executors in the process. Zero means no cap.
	MaxContexts int `mapstructure:"max_contexts"`
}

// Factory creates CommandBuffers and counts the live ones.
type Factory struct {
	cfg    Config
	logger *zap.Logger
	live   atomic.Int64
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// New creates the executor for a command buffer.
func (f *Factory) New(route ipc.RouteID, surfaceID int32) (*CommandBuffer, error) {
	if surfaceID < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSurface, surfaceID)
	}
	n := f.live.Add(1)
	if f.cfg.MaxContexts > 0 && n > int64(f.cfg.MaxContexts) {
		f.live.Add(-1)
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyContexts, f.cfg.MaxContexts)
	}
	return &CommandBuffer{
		cfg:       f.cfg,
		logger:    f.logger.With(zap.Int32("route", int32(route))),
		onDestroy: func() { f.live.Add(-1) },
	}, nil
}

// Live returns the number of executors not yet destroyed.
func (f *Factory) Live() int64 { return f.live.Load() }

// CommandBuffer executes ipc.Commands. It is not safe for concurrent use.
type CommandBuffer struct {
	cfg    Config
	logger *zap.Logger

	// commands[i] lives at offset base+i.
	commands []ipc.Command
	base     int32
	put      int32
	state    ipc.State

	waitSyncPoint func(uint32) bool
	preempted     func() bool
	onDestroy     func()
	destroyed     bool
}

func (b *CommandBuffer) IsReady() bool { return !b.destroyed }

func (b *CommandBuffer) HasUnprocessedCommands() bool {
	return !b.destroyed && b.state.GetOffset != b.put
}

func (b *CommandBuffer) PutOffset() int32 { return b.put }

func (b *CommandBuffer) State() ipc.State { return b.state }

func (b *CommandBuffer) SetWaitSyncPointHandler(fn func(uint32) bool) { b.waitSyncPoint = fn }

func (b *CommandBuffer) SetPreemptedHandler(fn func() bool) { b.preempted = fn }

// written is the offset just past the last written command.
func (b *CommandBuffer) written() int32 {
	return b.base + int32(len(b.commands))
}

// Write appends commands after the last written one.
func (b *CommandBuffer) Write(cmds []ipc.Command) {
	if b.destroyed || b.state.IsError() || len(cmds) == 0 {
		return
	}
	if b.cfg.MaxPendingCommands > 0 && len(b.commands)+len(cmds) > b.cfg.MaxPendingCommands {
		b.setError(ipc.ErrorOutOfBounds, "command buffer overflow")
		return
	}
	b.commands = append(b.commands, cmds...)
}

// Flush processes commands up to putOffset. It stops early when preempted,
// when the per-flush budget is spent, or when a sync point wait defers the
// rest of the buffer.
func (b *CommandBuffer) Flush(putOffset int32) {
	if b.destroyed || b.state.IsError() {
		return
	}
	if putOffset < b.state.GetOffset || putOffset > b.written() {
		b.setError(ipc.ErrorOutOfBounds, "put offset out of bounds")
		return
	}
	b.put = putOffset

	processed := 0
	for b.state.GetOffset < b.put {
		if b.preempted != nil && b.preempted() {
			break
		}
		if b.cfg.CommandsPerFlush > 0 && processed >= b.cfg.CommandsPerFlush {
			break
		}

		cmd := b.commands[b.state.GetOffset-b.base]
		b.state.GetOffset++
		processed++

		if !b.execute(cmd) {
			break
		}
	}
	b.compact()
}

// execute runs one command and reports whether processing may continue.
func (b *CommandBuffer) execute(cmd ipc.Command) bool {
	switch cmd.Op {
	case ipc.OpNoop:
	case ipc.OpSetToken:
		b.state.Token = int32(cmd.Arg)
	case ipc.OpWaitSyncPoint:
		if b.waitSyncPoint != nil && !b.waitSyncPoint(cmd.Arg) {
			return false
		}
	case ipc.OpLoseContext:
		b.state.ContextLostReason = ipc.ContextLostGuilty
		b.setError(ipc.ErrorLostContext, "context lost by command")
		return false
	default:
		b.setError(ipc.ErrorUnknownCommand, fmt.Sprintf("unknown command %d", cmd.Op))
		return false
	}
	return true
}

// compact drops processed commands.
func (b *CommandBuffer) compact() {
	done := int(b.state.GetOffset - b.base)
	if done == 0 {
		return
	}
	if done >= len(b.commands) {
		b.commands = b.commands[:0]
	} else {
		b.commands = append(b.commands[:0], b.commands[done:]...)
	}
	b.base = b.state.GetOffset
}

// setError moves the buffer into an error state. Errors other than a lost
// context are the renderer's fault.
func (b *CommandBuffer) setError(code ipc.ErrorCode, msg string) {
	b.state.Error = code
	if code != ipc.ErrorLostContext {
		b.state.ContextLostReason = ipc.ContextLostGuilty
	}
	b.logger.Warn(msg,
		zap.Stringer("error", code),
		zap.Int32("getOffset", b.state.GetOffset),
		zap.Int32("putOffset", b.put),
	)
}

// MarkContextLost moves the buffer into the lost state unless it is already
// in an error state.
func (b *CommandBuffer) MarkContextLost(reason ipc.ContextLostReason) {
	if b.state.IsError() {
		return
	}
	b.state.ContextLostReason = reason
	b.setError(ipc.ErrorLostContext, "context marked lost")
}

// Destroy releases the buffer. It is safe to call more than once.
func (b *CommandBuffer) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.commands = nil
	if b.onDestroy != nil {
		b.onDestroy()
	}
}
