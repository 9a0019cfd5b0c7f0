package channel

import (
	"testing"
	"time"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// settle drains both runners and lets the monitors' timers return them to idle.
func (h *harness) settle() {
	h.runIdle()
	h.io.Advance(time.Second)
	h.runIdle()
}

func expectState(t *testing.T, m *Monitor, want PreemptionState) {
	t.Helper()
	if got := m.State(); got != want {
		t.Fatalf("monitor state = %s, want %s", got, want)
	}
}

func TestMonitor_NonPreemptorStaysIdle(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, setToken(1)))
	h.io.RunUntilIdle()
	h.io.Advance(time.Second)

	expectState(t, c.Monitor(), PreemptionIdle)
	if len(c.monitor.pending) != 0 || c.monitor.timer != nil {
		t.Error("a channel that does not preempt tracks nothing")
	}
}

func TestMonitor_PreemptionLifecycle(t *testing.T) {
	timing := DefaultTiming()
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	b, bs := h.connect(2, Options{})
	ra := h.createOffscreen(a, as)
	rb := h.createOffscreen(b, bs)
	h.settle()
	m := a.Monitor()
	expectState(t, m, PreemptionIdle)

	var putA, putB int32
	var countA, countB uint32
	h.deliver(a, flushMsg(ra, &putA, &countA, setToken(1)))
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionWaiting)

	h.io.Advance(timing.WaitBeforePreempt - time.Millisecond)
	expectState(t, m, PreemptionWaiting)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("flag raised before the wait elapsed")
	}

	h.io.Advance(time.Millisecond)
	expectState(t, m, PreemptionPreempting)
	if !h.reg.preemptionFlag.IsSet() {
		t.Fatal("expected the flag raised")
	}
	if !b.stubs[rb].IsPreempted() || a.stubs[ra].IsPreempted() {
		t.Fatal("only the other channel's stubs are preempted")
	}

	// B's work is held back while A catches up.
	h.deliver(b, flushMsg(rb, &putB, &countB, setToken(2)))
	h.io.RunUntilIdle()
	h.main.RunUntilIdle()
	if tok := b.stubs[rb].executor.State().Token; tok != 0 {
		t.Fatalf("preempted channel made progress, token %d", tok)
	}
	if tok := a.stubs[ra].executor.State().Token; tok != 1 {
		t.Fatalf("preempting channel should run, token %d", tok)
	}

	// A's processed report brings the monitor back to idle.
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionIdle)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("expected the flag lowered")
	}

	h.main.RunUntilIdle()
	if tok := b.stubs[rb].executor.State().Token; tok != 2 {
		t.Errorf("expected B to resume, token %d", tok)
	}
}

func TestMonitor_PreemptionBoundedByMaxTime(t *testing.T) {
	timing := DefaultTiming()
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	ra := h.createOffscreen(a, as)
	h.settle()
	m := a.Monitor()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()
	h.io.Advance(timing.WaitBeforePreempt)
	expectState(t, m, PreemptionPreempting)

	h.io.Advance(timing.MaxPreemptTime)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("preemption must end after the max preempt time")
	}
	// The message is still pending, so the monitor starts waiting again.
	expectState(t, m, PreemptionWaiting)
}

func TestMonitor_CheckingRearmsForYoungMessage(t *testing.T) {
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	ra := h.createOffscreen(a, as)
	h.settle()
	m := a.Monitor()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionWaiting)

	h.io.Advance(10 * time.Millisecond)
	h.main.RunUntilIdle()
	h.io.RunUntilIdle()

	h.io.Advance(10 * time.Millisecond)
	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()

	// At 34ms the oldest pending message is only 14ms old.
	h.io.Advance(14 * time.Millisecond)
	expectState(t, m, PreemptionChecking)
	h.io.Advance(19 * time.Millisecond)
	expectState(t, m, PreemptionChecking)
	h.io.Advance(time.Millisecond)
	expectState(t, m, PreemptionPreempting)
}

func TestMonitor_CheckingWithEmptyQueueGoesIdle(t *testing.T) {
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	ra := h.createOffscreen(a, as)
	h.settle()
	m := a.Monitor()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.runIdle()
	expectState(t, m, PreemptionWaiting)

	h.io.Advance(DefaultTiming().WaitBeforePreempt)
	expectState(t, m, PreemptionIdle)
	if m.timerRunning() {
		t.Error("idle monitor keeps no timer")
	}
}

func TestMonitor_WouldPreemptDescheduledNeverRaisesFlag(t *testing.T) {
	timing := DefaultTiming()
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	ra := h.createOffscreen(a, as)
	h.settle()
	m := a.Monitor()

	point := h.sync.Generate()
	if a.stubs[ra].WaitSyncPoint(point) {
		t.Fatal("pending sync point reported retired")
	}
	h.io.RunUntilIdle()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()
	h.io.Advance(timing.WaitBeforePreempt)
	expectState(t, m, PreemptionWouldPreemptDescheduled)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("flag raised while a stub is descheduled")
	}

	for i := 0; i < 5; i++ {
		h.io.Advance(20 * time.Millisecond)
		h.main.RunUntilIdle()
		h.io.RunUntilIdle()
		if h.reg.preemptionFlag.IsSet() {
			t.Fatalf("flag raised while a stub is descheduled (step %d)", i)
		}
	}
	expectState(t, m, PreemptionWouldPreemptDescheduled)

	// Rescheduling turns the held preemption into real preemption.
	h.sync.Retire(point)
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionPreempting)
	if !h.reg.preemptionFlag.IsSet() {
		t.Fatal("expected the flag raised once rescheduled")
	}

	h.runIdle()
	expectState(t, m, PreemptionIdle)
	if h.reg.preemptionFlag.IsSet() {
		t.Error("expected the flag lowered after catching up")
	}
}

func TestMonitor_OtherChannelDeschedulingKeepsFlag(t *testing.T) {
	timing := DefaultTiming()
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	b, bs := h.connect(2, Options{})
	ra := h.createOffscreen(a, as)
	rb := h.createOffscreen(b, bs)
	h.settle()
	m := a.Monitor()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()
	h.io.Advance(timing.WaitBeforePreempt)
	expectState(t, m, PreemptionPreempting)

	b.stubs[rb].WaitSyncPoint(h.sync.Generate())
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionPreempting)
	if !h.reg.preemptionFlag.IsSet() {
		t.Fatal("descheduling another channel's stub must not lower the flag")
	}

	own := h.sync.Generate()
	a.stubs[ra].WaitSyncPoint(own)
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionWouldPreemptDescheduled)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("descheduling the preemptor's own stub lowers the flag")
	}

	h.sync.Retire(own)
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionPreempting)

	// The remaining preemption budget carried over from before.
	h.io.Advance(timing.MaxPreemptTime)
	expectState(t, m, PreemptionWaiting)
	if h.reg.preemptionFlag.IsSet() {
		t.Error("expected the flag lowered when the budget ran out")
	}
}

func TestMonitor_StopLowersFlag(t *testing.T) {
	h := newHarness(t, Config{})
	a, as := h.connect(1, Options{Preempts: true})
	ra := h.createOffscreen(a, as)
	h.settle()
	m := a.Monitor()

	h.deliver(a, ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	h.io.RunUntilIdle()
	h.io.Advance(DefaultTiming().WaitBeforePreempt)
	expectState(t, m, PreemptionPreempting)

	h.reg.RemoveChannel(1)
	h.io.RunUntilIdle()
	expectState(t, m, PreemptionIdle)
	if h.reg.preemptionFlag.IsSet() {
		t.Fatal("removing the preemptor must lower the flag")
	}

	forwarded, queued := m.forwarded, h.main.Pending()
	m.OnMessageReceived(ipc.Message{Route: ra, Body: &ipc.SetSurfaceVisible{}})
	if m.forwarded != forwarded || h.main.Pending() != queued {
		t.Error("a stopped monitor forwards nothing")
	}
}

func TestMonitor_InsertSyncPointAnsweredOnIO(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	req := h.syncMsg(route, &ipc.InsertSyncPoint{Retire: true})
	h.deliver(c, req)
	h.io.RunUntilIdle()

	replies := s.repliesTo(req.ID)
	if len(replies) != 1 {
		t.Fatalf("expected the reply before the main runner ran, got %d", len(replies))
	}
	id := replies[0].Body.(*ipc.SyncPointReply).SyncPoint
	if h.sync.IsRetired(id) {
		t.Fatal("sync point retired too early")
	}

	h.runIdle()
	if h.sync.retired[id] != 1 {
		t.Errorf("expected the point retired once, got %d", h.sync.retired[id])
	}
}

func TestMonitor_UntrustedSyncPointMessages(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)
	before := c.monitor.forwarded

	future := h.syncMsg(route, &ipc.InsertSyncPoint{})
	h.deliver(c, future, ipc.Message{Route: route, Body: &ipc.RetireSyncPoint{SyncPoint: 1}})
	h.io.RunUntilIdle()

	replies := s.repliesTo(future.ID)
	if len(replies) != 1 || !replies[0].Error {
		t.Fatalf("expected an error reply, got %v", replies)
	}
	if c.monitor.forwarded != before || h.main.Pending() != 0 {
		t.Error("untrusted sync point messages must not be forwarded")
	}
}

func TestMonitor_InsertSyncPointForMissingStub(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})

	req := h.syncMsg(4242, &ipc.InsertSyncPoint{Retire: true})
	h.deliver(c, req)
	h.runIdle()

	replies := s.repliesTo(req.ID)
	if len(replies) != 1 {
		t.Fatalf("expected a reply, got %d", len(replies))
	}
	id := replies[0].Body.(*ipc.SyncPointReply).SyncPoint
	if h.sync.retired[id] != 1 {
		t.Errorf("a point for a missing stub is retired at once, got %d", h.sync.retired[id])
	}
	if c.processed != 1 {
		t.Errorf("expected the message counted as processed, got %d", c.processed)
	}
}
