package channel

import (
	"sync/atomic"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// Sender delivers messages to the renderer. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(msg ipc.Message) error
}

// Listener handles routed messages. It reports whether the message was
// understood.
type Listener interface {
	OnMessageReceived(msg ipc.Message) bool
}

// Executor runs the commands of one command buffer. All methods are called on
// the main runner.
type Executor interface {
	// IsReady reports whether the executor can accept work.
	IsReady() bool
	// HasUnprocessedCommands reports whether commands before the put offset
	// are still unprocessed.
	HasUnprocessedCommands() bool
	Write(cmds []ipc.Command)
	// Flush processes commands up to putOffset until done, preempted, out of
	// budget or deferred on a sync point.
	Flush(putOffset int32)
	PutOffset() int32
	State() ipc.State
	// SetWaitSyncPointHandler installs the hook run for sync point waits. A
	// false result defers the rest of the buffer.
	SetWaitSyncPointHandler(fn func(syncPoint uint32) bool)
	// SetPreemptedHandler installs the hook polled between commands.
	SetPreemptedHandler(fn func() bool)
	MarkContextLost(reason ipc.ContextLostReason)
	Destroy()
}

// ExecutorFactory creates the executor for a new command buffer.
type ExecutorFactory func(route ipc.RouteID, surfaceID int32) (Executor, error)

// SyncPointCoordinator mints and retires sync points.
type SyncPointCoordinator interface {
	Generate() uint32
	Retire(id uint32)
	IsRetired(id uint32) bool
	AddCallback(id uint32, cb func())
}

// HostNotifier receives notifications meant for the host process.
type HostNotifier interface {
	DidCreateOffscreenContext(clientID int32, route ipc.RouteID)
	DidDestroyOffscreenContext(clientID int32, route ipc.RouteID)
	DidLoseContext(clientID int32, route ipc.RouteID, reason ipc.ContextLostReason)
	ChannelClosed(clientID int32, channelID string)
}

// PreemptionFlag is raised on the io runner and read on the main runner.
type PreemptionFlag struct {
	set atomic.Bool
}

func (f *PreemptionFlag) Set()        { f.set.Store(true) }
func (f *PreemptionFlag) Reset()      { f.set.Store(false) }
func (f *PreemptionFlag) IsSet() bool { return f != nil && f.set.Load() }
