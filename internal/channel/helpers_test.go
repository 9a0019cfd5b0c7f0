package channel

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/executor"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/syncpoint"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []ipc.Message
}

func (f *fakeSender) Send(m ipc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

// repliesTo returns every message answering request id.
func (f *fakeSender) repliesTo(id uint64) []ipc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ipc.Message
	for _, m := range f.msgs {
		if m.ID == id && m.Kind().IsReply() {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSender) ofKind(k ipc.Kind) []ipc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ipc.Message
	for _, m := range f.msgs {
		if m.Kind() == k {
			out = append(out, m)
		}
	}
	return out
}

// countingCoordinator counts retirements per sync point.
type countingCoordinator struct {
	*syncpoint.Manager
	retired map[uint32]int
}

func (c *countingCoordinator) Retire(id uint32) {
	c.retired[id]++
	c.Manager.Retire(id)
}

type fakeNotifier struct {
	created, destroyed []ipc.RouteID
	lost               []ipc.ContextLostReason
	closed             []int32
}

func (f *fakeNotifier) DidCreateOffscreenContext(_ int32, route ipc.RouteID) {
	f.created = append(f.created, route)
}

func (f *fakeNotifier) DidDestroyOffscreenContext(_ int32, route ipc.RouteID) {
	f.destroyed = append(f.destroyed, route)
}

func (f *fakeNotifier) DidLoseContext(_ int32, _ ipc.RouteID, reason ipc.ContextLostReason) {
	f.lost = append(f.lost, reason)
}

func (f *fakeNotifier) ChannelClosed(clientID int32, _ string) {
	f.closed = append(f.closed, clientID)
}

type harness struct {
	t        *testing.T
	io       *taskrunner.Manual
	main     *taskrunner.Manual
	sync     *countingCoordinator
	execs    *executor.Factory
	notifier *fakeNotifier
	reg      *Registry
	nextID   uint64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	io := taskrunner.NewManual(time.Unix(1000, 0))
	main := taskrunner.NewManual(time.Unix(1000, 0))
	logger := zap.NewNop()
	h := &harness{
		t:    t,
		io:   io,
		main: main,
		sync: &countingCoordinator{
			Manager: syncpoint.NewManager(main, logger),
			retired: make(map[uint32]int),
		},
		execs:    executor.NewFactory(executor.Config{}, logger),
		notifier: &fakeNotifier{},
	}
	h.reg = NewRegistry(cfg, Deps{
		Main:        main,
		IO:          io,
		Coordinator: h.sync,
		Executors: func(route ipc.RouteID, surfaceID int32) (Executor, error) {
			return h.execs.New(route, surfaceID)
		},
		Notifier: h.notifier,
		Logger:   logger,
	})
	return h
}

// connect creates and connects a channel.
func (h *harness) connect(clientID int32, opts Options) (*Channel, *fakeSender) {
	h.t.Helper()
	id, err := h.reg.CreateChannel(clientID, opts)
	if err != nil {
		h.t.Fatalf("CreateChannel(%d) failed: %v", clientID, err)
	}
	sender := &fakeSender{}
	c, err := h.reg.Connect(id, sender)
	if err != nil {
		h.t.Fatalf("Connect failed: %v", err)
	}
	return c, sender
}

// deliver feeds messages through the channel's monitor as the transport does.
func (h *harness) deliver(c *Channel, msgs ...ipc.Message) {
	m := c.Monitor()
	for _, msg := range msgs {
		msg := msg
		h.io.PostTask(func() { m.OnMessageReceived(msg) })
	}
}

// runIdle runs both runners until neither has runnable work.
func (h *harness) runIdle() {
	for i := 0; i < 100; i++ {
		if h.io.RunUntilIdle()+h.main.RunUntilIdle() == 0 {
			return
		}
	}
}

// syncMsg builds a synchronous message with a fresh request id.
func (h *harness) syncMsg(route ipc.RouteID, body ipc.Body) ipc.Message {
	h.nextID++
	return ipc.Message{Route: route, Sync: true, ID: h.nextID, Body: body}
}

func (h *harness) createOffscreen(c *Channel, s *fakeSender) ipc.RouteID {
	h.t.Helper()
	req := h.syncMsg(ipc.RouteControl, &ipc.CreateOffscreenCommandBuffer{Width: 1, Height: 1})
	h.deliver(c, req)
	h.runIdle()

	replies := s.repliesTo(req.ID)
	if len(replies) != 1 {
		h.t.Fatalf("expected one create reply, got %d", len(replies))
	}
	reply, ok := replies[0].Body.(*ipc.CreateCommandBufferReply)
	if !ok || !reply.Succeeded {
		h.t.Fatalf("offscreen command buffer not created: %+v", replies[0])
	}
	return reply.Route
}

// flushMsg builds an AsyncFlush appending cmds and advances put and count.
func flushMsg(route ipc.RouteID, put *int32, count *uint32, cmds ...ipc.Command) ipc.Message {
	*put += int32(len(cmds))
	*count++
	return ipc.Message{Route: route, Body: &ipc.AsyncFlush{PutOffset: *put, FlushCount: *count, Commands: cmds}}
}

func setToken(v uint32) ipc.Command {
	return ipc.Command{Op: ipc.OpSetToken, Arg: v}
}

func stateOf(t *testing.T, m ipc.Message) ipc.State {
	t.Helper()
	st, ok := m.Body.(*ipc.State)
	if !ok {
		t.Fatalf("expected state reply, got %T", m.Body)
	}
	return *st
}
