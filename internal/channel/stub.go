package channel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// outOfOrderFlush is the wrapping distance past which a flush count is
// considered older than the last one seen.
const outOfOrderFlush = 0x8000000

// pendingReply is a stored WaitFor*InRange request.
type pendingReply struct {
	req        ipc.Message
	start, end int32
}

// Stub is the GPU-side state of one command buffer. It lives on the main
// runner and is owned by its Channel.
type Stub struct {
	channel   *Channel
	route     ipc.RouteID
	surfaceID int32
	executor  Executor
	logger    *zap.Logger

	// syncPointWaits counts WaitSyncPoint calls whose point has not retired.
	syncPointWaits int
	// syncPoints holds produced, unretired sync points in insertion order.
	syncPoints []uint32

	waitForToken     *pendingReply
	waitForGetOffset *pendingReply

	lastFlushCount uint32
	contextLost    bool
	destroyed      bool

	destructionObservers []func(*Stub)
}

func newStub(c *Channel, route ipc.RouteID, surfaceID int32, exec Executor) *Stub {
	s := &Stub{
		channel:   c,
		route:     route,
		surfaceID: surfaceID,
		executor:  exec,
		logger: c.logger.With(
			zap.Int32("route", int32(route)),
			zap.Int32("surfaceID", surfaceID),
		),
	}
	exec.SetWaitSyncPointHandler(s.WaitSyncPoint)
	exec.SetPreemptedHandler(s.IsPreempted)
	return s
}

// Route returns the stub's route id.
func (s *Stub) Route() ipc.RouteID { return s.route }

// SurfaceID returns the bound surface, or 0 for an offscreen buffer.
func (s *Stub) SurfaceID() int32 { return s.surfaceID }

// Offscreen reports whether the stub renders to no surface.
func (s *Stub) Offscreen() bool { return s.surfaceID == 0 }

// OnMessageReceived handles a message routed to this stub.
func (s *Stub) OnMessageReceived(msg ipc.Message) bool {
	if s.destroyed {
		return false
	}

	handled := true
	switch b := msg.Body.(type) {
	case *ipc.AsyncFlush:
		s.onAsyncFlush(b)
	case *ipc.Rescheduled:
		s.onRescheduled()
	case *ipc.WaitForTokenInRange:
		s.onWaitForTokenInRange(msg, b.Start, b.End)
	case *ipc.WaitForGetOffsetInRange:
		s.onWaitForGetOffsetInRange(msg, b.Start, b.End)
	case *ipc.RetireSyncPoint:
		if err := s.RetireSyncPoint(b.SyncPoint); err != nil {
			s.logger.Error("retire sync point failed", zap.Error(err))
		}
	case *ipc.SignalSyncPoint:
		s.onSignalSyncPoint(b.SyncPoint, b.SignalID)
	case *ipc.SetSurfaceVisible:
		s.logger.Debug("surface visibility changed", zap.Bool("visible", b.Visible))
	default:
		handled = false
	}

	s.checkCompleteWaits()
	return handled
}

// IsScheduled reports whether the stub can process messages.
func (s *Stub) IsScheduled() bool {
	return !s.destroyed && s.syncPointWaits == 0 && s.executor.IsReady()
}

// IsPreempted reports whether another channel currently holds the
// preemption flag over this one.
func (s *Stub) IsPreempted() bool {
	return s.channel.preemptedBy.IsSet()
}

// HasUnprocessedCommands reports whether a flush left work behind.
func (s *Stub) HasUnprocessedCommands() bool {
	if s.destroyed {
		return false
	}
	return s.executor.HasUnprocessedCommands() && !s.executor.State().IsError()
}

// AddSyncPoint records a sync point produced by this stub.
func (s *Stub) AddSyncPoint(id uint32) {
	s.syncPoints = append(s.syncPoints, id)
}

// RetireSyncPoint retires id, which must be the oldest unretired point of
// this stub. A mismatch marks the context lost.
func (s *Stub) RetireSyncPoint(id uint32) error {
	if len(s.syncPoints) == 0 || s.syncPoints[0] != id {
		head := uint32(0)
		if len(s.syncPoints) > 0 {
			head = s.syncPoints[0]
		}
		s.executor.MarkContextLost(ipc.ContextLostGuilty)
		s.checkContextLost()
		return fmt.Errorf("%w: retire %d, expected %d", ErrSyncPointProtocol, id, head)
	}
	s.syncPoints = s.syncPoints[1:]
	s.channel.coordinator.Retire(id)
	return nil
}

// WaitSyncPoint reports whether id has retired. If not, the stub is
// descheduled until it does.
func (s *Stub) WaitSyncPoint(id uint32) bool {
	if id == 0 || s.channel.coordinator.IsRetired(id) {
		return true
	}

	s.syncPointWaits++
	if s.syncPointWaits == 1 {
		s.channel.StubSchedulingChanged(false)
	}
	s.logger.Debug("waiting on sync point", zap.Uint32("syncPoint", id))
	s.channel.coordinator.AddCallback(id, s.onSyncPointRetired)
	return false
}

func (s *Stub) onSyncPointRetired() {
	if s.destroyed {
		return
	}
	s.syncPointWaits--
	if s.syncPointWaits == 0 {
		s.channel.StubSchedulingChanged(true)
	}
}

func (s *Stub) onAsyncFlush(f *ipc.AsyncFlush) {
	if f.FlushCount-s.lastFlushCount >= outOfOrderFlush {
		s.logger.Error("flush received out of order",
			zap.Uint32("flushCount", f.FlushCount),
			zap.Uint32("lastFlushCount", s.lastFlushCount),
		)
		return
	}
	s.lastFlushCount = f.FlushCount

	if s.contextLost {
		s.logger.Debug("flush on lost context ignored", zap.Error(ErrExecutorLost))
		return
	}
	s.executor.Write(f.Commands)
	s.executor.Flush(f.PutOffset)
	s.checkContextLost()
}

func (s *Stub) onRescheduled() {
	if s.contextLost {
		return
	}
	s.executor.Flush(s.executor.PutOffset())
	s.checkContextLost()
}

func (s *Stub) onWaitForTokenInRange(req ipc.Message, start, end int32) {
	if s.waitForToken != nil {
		s.logger.Error("wait for token rejected", zap.Error(ErrDuplicateWait))
		s.channel.Send(ipc.ErrorReply(req))
		return
	}
	s.waitForToken = &pendingReply{req: req, start: start, end: end}
}

func (s *Stub) onWaitForGetOffsetInRange(req ipc.Message, start, end int32) {
	if s.waitForGetOffset != nil {
		s.logger.Error("wait for get offset rejected", zap.Error(ErrDuplicateWait))
		s.channel.Send(ipc.ErrorReply(req))
		return
	}
	s.waitForGetOffset = &pendingReply{req: req, start: start, end: end}
}

// checkCompleteWaits answers stored waits whose range is satisfied or whose
// executor is in an error state.
func (s *Stub) checkCompleteWaits() {
	if s.waitForToken == nil && s.waitForGetOffset == nil {
		return
	}
	state := s.executor.State()
	if w := s.waitForToken; w != nil && (ipc.InRange(w.start, w.end, state.Token) || state.IsError()) {
		s.waitForToken = nil
		s.reply(w, state)
	}
	if w := s.waitForGetOffset; w != nil && (ipc.InRange(w.start, w.end, state.GetOffset) || state.IsError()) {
		s.waitForGetOffset = nil
		s.reply(w, state)
	}
}

func (s *Stub) reply(w *pendingReply, state ipc.State) {
	st := state
	s.channel.Send(ipc.ReplyTo(w.req, &st))
}

func (s *Stub) onSignalSyncPoint(syncPoint, signalID uint32) {
	s.channel.coordinator.AddCallback(syncPoint, func() {
		if s.destroyed {
			return
		}
		s.channel.Send(ipc.Message{Route: s.route, Body: &ipc.SignalSyncPointAck{SignalID: signalID}})
	})
}

// checkContextLost reports a newly failed executor to the renderer and host.
// A parse error is as fatal as a lost context: the renderer must recreate
// the command buffer either way.
func (s *Stub) checkContextLost() {
	state := s.executor.State()
	if !state.IsError() || s.contextLost {
		return
	}
	s.contextLost = true
	if state.Error == ipc.ErrorLostContext {
		s.logger.Warn("context lost",
			zap.Stringer("reason", state.ContextLostReason),
			zap.Int32("token", state.Token),
		)
	} else {
		s.logger.Error("command buffer parse error",
			zap.Stringer("error", state.Error),
			zap.Stringer("reason", state.ContextLostReason),
			zap.Int32("getOffset", state.GetOffset),
		)
	}
	s.channel.Send(ipc.Message{Route: s.route, Body: &ipc.Destroyed{
		Reason: state.ContextLostReason,
		Error:  state.Error,
	}})
	s.channel.registry.onContextLost(s.channel.clientID, s.route, state.ContextLostReason)
	s.checkCompleteWaits()
}

// markContextLost puts the executor in the lost state and reports it.
func (s *Stub) markContextLost(reason ipc.ContextLostReason) {
	if s.destroyed {
		return
	}
	s.executor.MarkContextLost(reason)
	s.checkContextLost()
}

// AddDestructionObserver registers fn to run when the stub is destroyed.
func (s *Stub) AddDestructionObserver(fn func(*Stub)) {
	s.destructionObservers = append(s.destructionObservers, fn)
}

// Destroy answers outstanding waits, retires every queued sync point and
// releases the executor. It is safe to call more than once.
func (s *Stub) Destroy() {
	if s.destroyed {
		return
	}
	state := s.executor.State()
	if w := s.waitForToken; w != nil {
		s.waitForToken = nil
		s.reply(w, state)
	}
	if w := s.waitForGetOffset; w != nil {
		s.waitForGetOffset = nil
		s.reply(w, state)
	}
	s.destroyed = true

	for len(s.syncPoints) > 0 {
		id := s.syncPoints[0]
		s.syncPoints = s.syncPoints[1:]
		s.channel.coordinator.Retire(id)
	}

	for _, fn := range s.destructionObservers {
		fn(s)
	}
	s.executor.Destroy()
	s.logger.Debug("command buffer destroyed")
}

// StubStats describes a stub for status reporting.
type StubStats struct {
	Route             ipc.RouteID `json:"route_id"`
	SurfaceID         int32       `json:"surface_id"`
	Scheduled         bool        `json:"scheduled"`
	PendingSyncPoints int         `json:"pending_sync_points"`
	Token             int32       `json:"token"`
	GetOffset         int32       `json:"get_offset"`
	Error             string      `json:"error"`
}

func (s *Stub) stats() StubStats {
	state := s.executor.State()
	return StubStats{
		Route:             s.route,
		SurfaceID:         s.surfaceID,
		Scheduled:         s.IsScheduled(),
		PendingSyncPoints: len(s.syncPoints),
		Token:             state.Token,
		GetOffset:         state.GetOffset,
		Error:             state.Error.String(),
	}
}
