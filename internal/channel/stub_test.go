package channel

import (
	"errors"
	"testing"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

func TestStub_WaitForTokenAnsweredWhenInRange(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, setToken(3)))
	h.runIdle()

	wait := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 5, End: 10})
	h.deliver(c, wait)
	h.runIdle()
	if n := len(s.repliesTo(wait.ID)); n != 0 {
		t.Fatalf("token 3 is outside [5,10], got %d replies", n)
	}

	h.deliver(c, flushMsg(route, &put, &count, setToken(4)))
	h.runIdle()
	if n := len(s.repliesTo(wait.ID)); n != 0 {
		t.Fatalf("token 4 is outside [5,10], got %d replies", n)
	}

	h.deliver(c, flushMsg(route, &put, &count, setToken(7)))
	h.runIdle()
	replies := s.repliesTo(wait.ID)
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(replies))
	}
	if st := stateOf(t, replies[0]); st.Token != 7 {
		t.Errorf("expected token 7 in reply, got %d", st.Token)
	}

	h.deliver(c, flushMsg(route, &put, &count, setToken(8)))
	h.runIdle()
	if n := len(s.repliesTo(wait.ID)); n != 1 {
		t.Errorf("a wait is answered once, got %d replies", n)
	}
}

func TestStub_WaitAlreadySatisfied(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, setToken(1), setToken(2)))
	h.runIdle()

	wait := h.syncMsg(route, &ipc.WaitForGetOffsetInRange{Start: 1, End: 4})
	h.deliver(c, wait)
	h.runIdle()

	replies := s.repliesTo(wait.ID)
	if len(replies) != 1 {
		t.Fatalf("expected an immediate reply, got %d", len(replies))
	}
	if st := stateOf(t, replies[0]); st.GetOffset != 2 {
		t.Errorf("expected get offset 2, got %d", st.GetOffset)
	}
}

func TestStub_WrappedRange(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	// The range wraps around int32, so token -5 falls inside it.
	wait := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 2147483640, End: -1})
	h.deliver(c, wait)
	h.runIdle()
	if n := len(s.repliesTo(wait.ID)); n != 0 {
		t.Fatalf("token 0 is outside the wrapped range, got %d replies", n)
	}

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, ipc.Command{Op: ipc.OpSetToken, Arg: uint32(0xFFFFFFFB)}))
	h.runIdle()
	if n := len(s.repliesTo(wait.ID)); n != 1 {
		t.Fatalf("expected one reply for a wrapped token, got %d", n)
	}
}

func TestStub_DuplicateWaitRejected(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	first := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 5, End: 10})
	second := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 5, End: 10})
	h.deliver(c, first)
	h.runIdle()
	h.deliver(c, second)
	h.runIdle()

	replies := s.repliesTo(second.ID)
	if len(replies) != 1 || !replies[0].Error {
		t.Fatalf("expected an error reply for the second wait, got %v", replies)
	}
	if n := len(s.repliesTo(first.ID)); n != 0 {
		t.Fatalf("the first wait must stay pending, got %d replies", n)
	}

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, setToken(6)))
	h.runIdle()

	replies = s.repliesTo(first.ID)
	if len(replies) != 1 || replies[0].Error {
		t.Fatalf("expected the first wait answered once, got %v", replies)
	}
	if n := len(s.repliesTo(second.ID)); n != 1 {
		t.Errorf("the rejected wait must not be answered again, got %d", n)
	}
}

func TestStub_DestroyAnswersWaitOnce(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	tokenWait := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 5, End: 10})
	offsetWait := h.syncMsg(route, &ipc.WaitForGetOffsetInRange{Start: 5, End: 10})
	h.deliver(c, tokenWait, offsetWait)
	h.runIdle()

	h.deliver(c, h.syncMsg(ipc.RouteControl, &ipc.DestroyCommandBuffer{Route: route}))
	h.runIdle()
	h.reg.RemoveChannel(1)
	h.runIdle()

	for _, id := range []uint64{tokenWait.ID, offsetWait.ID} {
		replies := s.repliesTo(id)
		if len(replies) != 1 {
			t.Fatalf("expected exactly one reply for %d, got %d", id, len(replies))
		}
		if st := stateOf(t, replies[0]); st.Token != 0 {
			t.Errorf("expected the current state, got %+v", st)
		}
	}
}

func TestStub_SyncPointsRetiredExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{AllowFutureSyncPoints: true})
	route := h.createOffscreen(c, s)

	retired := h.syncMsg(route, &ipc.InsertSyncPoint{Retire: true})
	futureA := h.syncMsg(route, &ipc.InsertSyncPoint{})
	futureB := h.syncMsg(route, &ipc.InsertSyncPoint{})
	h.deliver(c, retired, futureA, futureB)
	h.runIdle()

	var ids []uint32
	for _, req := range []ipc.Message{retired, futureA, futureB} {
		replies := s.repliesTo(req.ID)
		if len(replies) != 1 {
			t.Fatalf("expected one sync point reply, got %d", len(replies))
		}
		body, ok := replies[0].Body.(*ipc.SyncPointReply)
		if !ok || body.SyncPoint == 0 {
			t.Fatalf("expected a sync point, got %+v", replies[0])
		}
		ids = append(ids, body.SyncPoint)
	}

	if h.sync.retired[ids[0]] != 1 {
		t.Fatalf("retire=true point should be retired once, got %d", h.sync.retired[ids[0]])
	}
	if h.sync.IsRetired(ids[1]) || h.sync.IsRetired(ids[2]) {
		t.Fatal("future sync points must stay pending")
	}

	// The renderer retires the oldest future point itself.
	h.deliver(c, ipc.Message{Route: route, Body: &ipc.RetireSyncPoint{SyncPoint: ids[1]}})
	h.runIdle()
	if h.sync.retired[ids[1]] != 1 {
		t.Fatalf("expected renderer retire, got %d", h.sync.retired[ids[1]])
	}

	h.reg.RemoveChannel(1)
	h.runIdle()
	for _, id := range ids {
		if n := h.sync.retired[id]; n != 1 {
			t.Errorf("sync point %d retired %d times", id, n)
		}
	}
}

func TestStub_RetireOutOfOrderLosesContext(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{AllowFutureSyncPoints: true})
	route := h.createOffscreen(c, s)
	stub := c.stubs[route]

	stub.AddSyncPoint(11)
	stub.AddSyncPoint(12)
	if err := stub.RetireSyncPoint(12); !errors.Is(err, ErrSyncPointProtocol) {
		t.Fatalf("expected ErrSyncPointProtocol, got %v", err)
	}

	destroyed := s.ofKind(ipc.KindDestroyed)
	if len(destroyed) != 1 {
		t.Fatalf("expected one Destroyed message, got %d", len(destroyed))
	}
	if d := destroyed[0].Body.(*ipc.Destroyed); d.Reason != ipc.ContextLostGuilty || d.Error != ipc.ErrorLostContext {
		t.Errorf("unexpected Destroyed body %+v", d)
	}
	if len(h.notifier.lost) != 1 {
		t.Errorf("expected one lost context notification, got %v", h.notifier.lost)
	}
	if h.sync.retired[12] != 0 {
		t.Error("a rejected retire must not retire the point")
	}

	h.reg.RemoveChannel(1)
	if h.sync.retired[11] != 1 || h.sync.retired[12] != 1 {
		t.Errorf("destroy retires every queued point once, got %v", h.sync.retired)
	}
}

func TestStub_WaitOnRetiredPointKeepsRunning(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	point := h.sync.Generate()
	h.sync.Retire(point)

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count,
		ipc.Command{Op: ipc.OpWaitSyncPoint, Arg: point},
		ipc.Command{Op: ipc.OpWaitSyncPoint, Arg: 0},
		setToken(9),
	))
	h.io.RunUntilIdle()
	h.main.RunPending() // queue
	h.main.RunPending() // tick

	if st := c.stubs[route].executor.State(); st.Token != 9 {
		t.Fatalf("expected the flush to finish in one tick, token %d", st.Token)
	}
	if c.numStubsDescheduled != 0 || c.stubs[route].syncPointWaits != 0 {
		t.Errorf("stub must never be descheduled")
	}
}

func TestStub_SignalSyncPoint(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	pending := h.sync.Generate()
	done := h.sync.Generate()
	h.sync.Retire(done)

	h.deliver(c,
		ipc.Message{Route: route, Body: &ipc.SignalSyncPoint{SyncPoint: pending, SignalID: 77}},
		ipc.Message{Route: route, Body: &ipc.SignalSyncPoint{SyncPoint: done, SignalID: 78}},
	)
	h.runIdle()

	acks := s.ofKind(ipc.KindSignalSyncPointAck)
	if len(acks) != 1 || acks[0].Body.(*ipc.SignalSyncPointAck).SignalID != 78 {
		t.Fatalf("expected only the retired point acked, got %v", acks)
	}

	h.sync.Retire(pending)
	h.runIdle()
	acks = s.ofKind(ipc.KindSignalSyncPointAck)
	if len(acks) != 2 || acks[1].Body.(*ipc.SignalSyncPointAck).SignalID != 77 {
		t.Fatalf("expected ack 77 after retire, got %v", acks)
	}
	if acks[1].Route != route {
		t.Errorf("ack must be routed to the stub, got %d", acks[1].Route)
	}
}

func TestStub_SignalAfterDestroyIsDropped(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	point := h.sync.Generate()
	h.deliver(c, ipc.Message{Route: route, Body: &ipc.SignalSyncPoint{SyncPoint: point, SignalID: 1}})
	h.runIdle()
	c.DestroyCommandBuffer(route)

	h.sync.Retire(point)
	h.runIdle()
	if acks := s.ofKind(ipc.KindSignalSyncPointAck); len(acks) != 0 {
		t.Errorf("no ack after destroy, got %v", acks)
	}
}

func TestStub_OutOfOrderFlushIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	h.deliver(c,
		ipc.Message{Route: route, Body: &ipc.AsyncFlush{PutOffset: 1, FlushCount: 5, Commands: []ipc.Command{setToken(1)}}},
		ipc.Message{Route: route, Body: &ipc.AsyncFlush{PutOffset: 2, FlushCount: 3, Commands: []ipc.Command{setToken(2)}}},
	)
	h.runIdle()

	st := c.stubs[route].executor.State()
	if st.Token != 1 || st.GetOffset != 1 {
		t.Fatalf("stale flush must be ignored, got %+v", st)
	}
	if st.IsError() {
		t.Errorf("stale flush must not error the buffer, got %v", st.Error)
	}
}

func TestStub_LoseContextAnswersWaits(t *testing.T) {
	h := newHarness(t, Config{})
	c, s := h.connect(1, Options{})
	route := h.createOffscreen(c, s)

	wait := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 50, End: 60})
	h.deliver(c, wait)
	h.runIdle()

	var put int32
	var count uint32
	h.deliver(c, flushMsg(route, &put, &count, ipc.Command{Op: ipc.OpLoseContext}))
	h.runIdle()

	replies := s.repliesTo(wait.ID)
	if len(replies) != 1 {
		t.Fatalf("expected the wait answered on loss, got %d", len(replies))
	}
	if st := stateOf(t, replies[0]); st.Error != ipc.ErrorLostContext {
		t.Errorf("expected lost context state, got %v", st.Error)
	}
	if n := len(s.ofKind(ipc.KindDestroyed)); n != 1 {
		t.Errorf("expected one Destroyed message, got %d", n)
	}

	// Further flushes are ignored and loss is reported once.
	h.deliver(c, flushMsg(route, &put, &count, setToken(55)))
	h.runIdle()
	if n := len(s.ofKind(ipc.KindDestroyed)); n != 1 {
		t.Errorf("loss must be reported once, got %d", n)
	}
	if len(h.notifier.lost) != 1 || h.notifier.lost[0] != ipc.ContextLostGuilty {
		t.Errorf("expected one guilty notification, got %v", h.notifier.lost)
	}
}

func TestStub_ParseErrorDestroysContext(t *testing.T) {
	tests := []struct {
		name  string
		flush func(route ipc.RouteID) ipc.Message
		want  ipc.ErrorCode
	}{
		{
			name: "unknown command",
			flush: func(route ipc.RouteID) ipc.Message {
				var put int32
				var count uint32
				return flushMsg(route, &put, &count, setToken(1), ipc.Command{Op: 99})
			},
			want: ipc.ErrorUnknownCommand,
		},
		{
			name: "put offset past written commands",
			flush: func(route ipc.RouteID) ipc.Message {
				return ipc.Message{Route: route, Body: &ipc.AsyncFlush{
					PutOffset: 5, FlushCount: 1, Commands: []ipc.Command{setToken(1)},
				}}
			},
			want: ipc.ErrorOutOfBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			c, s := h.connect(1, Options{})
			route := h.createOffscreen(c, s)

			wait := h.syncMsg(route, &ipc.WaitForTokenInRange{Start: 50, End: 60})
			h.deliver(c, wait, tt.flush(route))
			h.runIdle()

			destroyed := s.ofKind(ipc.KindDestroyed)
			if len(destroyed) != 1 {
				t.Fatalf("expected one Destroyed message, got %d", len(destroyed))
			}
			if d := destroyed[0].Body.(*ipc.Destroyed); d.Error != tt.want || d.Reason != ipc.ContextLostGuilty {
				t.Errorf("unexpected Destroyed body %+v", d)
			}
			if len(h.notifier.lost) != 1 || h.notifier.lost[0] != ipc.ContextLostGuilty {
				t.Errorf("expected one guilty loss reported to the host, got %v", h.notifier.lost)
			}

			replies := s.repliesTo(wait.ID)
			if len(replies) != 1 {
				t.Fatalf("expected the wait answered, got %d replies", len(replies))
			}
			if st := stateOf(t, replies[0]); st.Error != tt.want {
				t.Errorf("wait answered with %v, want %v", st.Error, tt.want)
			}

			h.deliver(c, ipc.Message{Route: route, Body: &ipc.AsyncFlush{PutOffset: 6, FlushCount: 2, Commands: []ipc.Command{setToken(2)}}})
			h.runIdle()
			if n := len(s.ofKind(ipc.KindDestroyed)); n != 1 {
				t.Errorf("failure must be reported once, got %d", n)
			}
		})
	}
}
