package channel

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

// Timing holds the preemption thresholds.
type Timing struct {
	// WaitBeforePreempt is how long the oldest pending message may wait
	// before the channel starts preempting others.
	WaitBeforePreempt time.Duration
	// MaxPreemptTime caps one preemption episode.
	MaxPreemptTime time.Duration
	// StopPreemptThreshold ends preemption once the oldest pending message is
	// younger than this.
	StopPreemptThreshold time.Duration
}

// DefaultTiming returns two vsync intervals of patience and one of
// preemption.
func DefaultTiming() Timing {
	return Timing{
		WaitBeforePreempt:    34 * time.Millisecond,
		MaxPreemptTime:       17 * time.Millisecond,
		StopPreemptThreshold: 17 * time.Millisecond,
	}
}

// PreemptionState is the monitor's state.
type PreemptionState int32

const (
	// PreemptionIdle: no pending messages, or not a preempting channel.
	PreemptionIdle PreemptionState = iota
	// PreemptionWaiting: messages are pending; a timer moves to checking.
	PreemptionWaiting
	// PreemptionChecking: deciding whether the oldest message is too old.
	PreemptionChecking
	// PreemptionPreempting: the flag is raised, bounded by MaxPreemptTime.
	PreemptionPreempting
	// PreemptionWouldPreemptDescheduled: preemption is warranted but a stub of
	// this channel is descheduled, so the flag stays lowered.
	PreemptionWouldPreemptDescheduled
)

func (s PreemptionState) String() string {
	switch s {
	case PreemptionIdle:
		return "idle"
	case PreemptionWaiting:
		return "waiting"
	case PreemptionChecking:
		return "checking"
	case PreemptionPreempting:
		return "preempting"
	case PreemptionWouldPreemptDescheduled:
		return "would_preempt_descheduled"
	default:
		return "unknown"
	}
}

// pendingMessage records when a forwarded message arrived.
type pendingMessage struct {
	seq      uint64
	received time.Time
}

// Monitor sits on the io runner in front of a Channel. It timestamps every
// message, answers InsertSyncPoint without waiting for the main runner, and
// raises the preempting flag when the channel falls behind.
//
// All methods except State run on the io runner.
type Monitor struct {
	channel     *Channel
	io          taskrunner.Runner
	main        taskrunner.Runner
	coordinator SyncPointCoordinator
	flag        *PreemptionFlag
	timing      Timing
	futureSync  bool
	logger      *zap.Logger

	state              PreemptionState
	pending            []pendingMessage
	forwarded          uint64
	aStubIsDescheduled bool
	timer              *taskrunner.Handle
	timerDeadline      time.Time
	maxPreemptionTime  time.Duration
	stopped            bool

	published atomic.Int32
}

func newMonitor(c *Channel, flag *PreemptionFlag, timing Timing, futureSync bool) *Monitor {
	return &Monitor{
		channel:     c,
		io:          c.io,
		main:        c.main,
		coordinator: c.coordinator,
		flag:        flag,
		timing:      timing,
		futureSync:  futureSync,
		logger:      c.logger.Named("preemption"),
	}
}

// State returns the last published state. Safe from any goroutine.
func (m *Monitor) State() PreemptionState {
	return PreemptionState(m.published.Load())
}

func (m *Monitor) setState(s PreemptionState) {
	if m.state != s {
		m.logger.Debug("preemption state changed",
			zap.Stringer("from", m.state),
			zap.Stringer("to", s),
		)
	}
	m.state = s
	m.published.Store(int32(s))
}

// OnMessageReceived filters one inbound message and forwards it to the
// channel on the main runner.
func (m *Monitor) OnMessageReceived(msg ipc.Message) {
	if m.stopped {
		return
	}

	switch b := msg.Body.(type) {
	case *ipc.RetireSyncPoint:
		if !m.futureSync {
			m.logger.Error("untrusted client sent RetireSyncPoint",
				zap.Int32("route", int32(msg.Route)),
				zap.Uint32("syncPoint", b.SyncPoint),
			)
			return
		}
	case *ipc.InsertSyncPoint:
		if !m.futureSync && !b.Retire {
			m.logger.Error("untrusted client requested a future sync point",
				zap.Int32("route", int32(msg.Route)),
			)
			if msg.Sync {
				m.channel.Send(ipc.ErrorReply(msg))
			}
			return
		}
		m.forwarded++
		m.trackPending()
		m.insertSyncPoint(msg, b.Retire)
		m.update()
		return
	}

	m.forwarded++
	msg.Seq = m.forwarded
	m.trackPending()
	m.update()

	ch := m.channel
	m.main.PostTask(func() { ch.OnMessageReceived(msg) })
}

func (m *Monitor) trackPending() {
	if m.flag != nil {
		m.pending = append(m.pending, pendingMessage{seq: m.forwarded, received: m.io.Now()})
	}
}

// insertSyncPoint answers the request here and hands the point to the stub
// on the main runner. The point is retired immediately if the stub is gone.
func (m *Monitor) insertSyncPoint(req ipc.Message, retire bool) {
	id := m.coordinator.Generate()
	if req.Sync {
		m.channel.Send(ipc.ReplyTo(req, &ipc.SyncPointReply{SyncPoint: id}))
	}

	ch, coordinator, route := m.channel, m.coordinator, req.Route
	m.main.PostTask(func() {
		if stub := ch.lookupStub(route); stub != nil {
			stub.AddSyncPoint(id)
			if retire {
				ch.OnMessageReceived(ipc.Message{Route: route, Body: &ipc.RetireSyncPoint{SyncPoint: id}})
			} else {
				ch.MessageProcessed()
			}
			return
		}
		if !ch.closed {
			ch.MessageProcessed()
		}
		coordinator.Retire(id)
	})
}

// MessageProcessed drops pending records up to processed.
func (m *Monitor) MessageProcessed(processed uint64) {
	if m.stopped {
		return
	}
	i := 0
	for i < len(m.pending) && m.pending[i].seq <= processed {
		i++
	}
	m.pending = m.pending[i:]
	m.update()
}

// UpdateStubSchedulingState records whether any stub of the channel is
// descheduled.
func (m *Monitor) UpdateStubSchedulingState(aStubIsDescheduled bool) {
	if m.stopped {
		return
	}
	m.aStubIsDescheduled = aStubIsDescheduled
	m.update()
}

// stop cancels the timer and lowers the flag.
func (m *Monitor) stop() {
	m.stopped = true
	m.timer.Cancel()
	m.timer = nil
	m.pending = nil
	if m.flag != nil && m.state == PreemptionPreempting {
		m.flag.Reset()
	}
	m.setState(PreemptionIdle)
}

func (m *Monitor) startTimer(d time.Duration, fn func()) {
	m.timer.Cancel()
	m.timerDeadline = m.io.Now().Add(d)
	m.timer = m.io.PostDelayedTask(d, fn)
}

func (m *Monitor) stopTimer() {
	m.timer.Cancel()
	m.timer = nil
}

func (m *Monitor) timerRunning() bool {
	return m.timer.Pending()
}

func (m *Monitor) update() {
	switch m.state {
	case PreemptionIdle:
		if m.flag != nil && len(m.pending) > 0 {
			m.transitionToWaiting()
		}
	case PreemptionWaiting:
		// The timer moves us to checking.
	case PreemptionChecking:
		if len(m.pending) == 0 {
			m.transitionToIdle()
			return
		}
		elapsed := m.io.Now().Sub(m.pending[0].received)
		if elapsed < m.timing.WaitBeforePreempt {
			m.startTimer(m.timing.WaitBeforePreempt-elapsed, m.update)
			return
		}
		if m.aStubIsDescheduled {
			m.transitionToWouldPreemptDescheduled()
		} else {
			m.transitionToPreempting()
		}
	case PreemptionPreempting:
		if m.aStubIsDescheduled {
			m.transitionToWouldPreemptDescheduled()
		} else {
			m.transitionToIdleIfCaughtUp()
		}
	case PreemptionWouldPreemptDescheduled:
		if !m.aStubIsDescheduled {
			m.transitionToPreempting()
		} else {
			m.transitionToIdleIfCaughtUp()
		}
	}
}

func (m *Monitor) transitionToIdleIfCaughtUp() {
	if len(m.pending) == 0 {
		m.transitionToIdle()
		return
	}
	if m.io.Now().Sub(m.pending[0].received) < m.timing.StopPreemptThreshold {
		m.transitionToIdle()
	}
}

func (m *Monitor) transitionToIdle() {
	m.stopTimer()
	m.setState(PreemptionIdle)
	m.flag.Reset()
	m.update()
}

func (m *Monitor) transitionToWaiting() {
	m.setState(PreemptionWaiting)
	m.startTimer(m.timing.WaitBeforePreempt, m.transitionToChecking)
}

func (m *Monitor) transitionToChecking() {
	m.timer = nil
	m.setState(PreemptionChecking)
	m.maxPreemptionTime = m.timing.MaxPreemptTime
	m.update()
}

func (m *Monitor) transitionToPreempting() {
	if m.state == PreemptionChecking {
		m.stopTimer()
	}
	m.setState(PreemptionPreempting)
	m.flag.Set()
	m.startTimer(m.maxPreemptionTime, m.transitionToIdle)
	m.update()
}

func (m *Monitor) transitionToWouldPreemptDescheduled() {
	if m.state == PreemptionPreempting {
		remaining := m.timerDeadline.Sub(m.io.Now())
		m.stopTimer()
		m.maxPreemptionTime = remaining
		if remaining < 0 {
			m.transitionToIdle()
			return
		}
	} else {
		m.stopTimer()
	}
	m.setState(PreemptionWouldPreemptDescheduled)
	m.flag.Reset()
	m.update()
}
