package channel

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

// Options configure a new channel.
type Options struct {
	// Preempts gives the channel the process preemption flag.
	Preempts bool
	// AllowFutureSyncPoints lets the renderer insert sync points it retires
	// itself.
	AllowFutureSyncPoints bool
}

// Channel is the GPU-side endpoint of one renderer connection. Apart from
// Send, ID, ClientID and Monitor, its methods run on the main runner.
type Channel struct {
	registry    *Registry
	clientID    int32
	id          string
	opts        Options
	main        taskrunner.Runner
	io          taskrunner.Runner
	coordinator SyncPointCoordinator
	logger      *zap.Logger
	logMessages bool

	// preempting is raised by this channel's monitor; nil unless Options.Preempts.
	preempting *PreemptionFlag
	// preemptedBy preempts this channel's stubs; nil for the preemptor.
	preemptedBy *PreemptionFlag
	monitor     *Monitor

	senderMu sync.Mutex
	sender   Sender

	deferred            []ipc.Message
	handleScheduled     bool
	stubs               map[ipc.RouteID]*Stub
	router              map[ipc.RouteID]Listener
	numStubsDescheduled int
	processed           uint64
	closed              bool
}

func newChannel(r *Registry, clientID int32, id string, opts Options, preempting, preemptedBy *PreemptionFlag) *Channel {
	c := &Channel{
		registry:    r,
		clientID:    clientID,
		id:          id,
		opts:        opts,
		main:        r.main,
		io:          r.io,
		coordinator: r.coordinator,
		logger: r.logger.With(
			zap.Int32("clientID", clientID),
			zap.String("channelID", id),
		),
		logMessages: r.cfg.LogMessages,
		preempting:  preempting,
		preemptedBy: preemptedBy,
		stubs:       make(map[ipc.RouteID]*Stub),
		router:      make(map[ipc.RouteID]Listener),
	}
	c.monitor = newMonitor(c, preempting, r.cfg.Timing, opts.AllowFutureSyncPoints)
	return c
}

// ID returns the opaque channel id.
func (c *Channel) ID() string { return c.id }

// ClientID returns the renderer client id.
func (c *Channel) ClientID() int32 { return c.clientID }

// Monitor returns the io-runner filter that must see every inbound message.
func (c *Channel) Monitor() *Monitor { return c.monitor }

// SetSender attaches the renderer connection. A nil sender detaches it.
func (c *Channel) SetSender(s Sender) {
	c.senderMu.Lock()
	c.sender = s
	c.senderMu.Unlock()
}

func (c *Channel) hasSender() bool {
	c.senderMu.Lock()
	defer c.senderMu.Unlock()
	return c.sender != nil
}

// Send delivers msg to the renderer. Safe from any goroutine.
func (c *Channel) Send(msg ipc.Message) error {
	c.senderMu.Lock()
	s := c.sender
	c.senderMu.Unlock()

	if s == nil {
		c.logger.Debug("dropping outbound message", zap.Stringer("msg", msg), zap.Error(ErrTransportClosed))
		return ErrTransportClosed
	}
	if c.logMessages {
		c.logger.Debug("sending message", zap.Stringer("msg", msg))
	}
	if err := s.Send(msg); err != nil {
		c.logger.Debug("send failed", zap.Stringer("msg", msg), zap.Error(err))
		return err
	}
	return nil
}

// OnMessageReceived queues msg for dispatch. Range waits jump the queue so
// the renderer is unblocked as early as possible.
func (c *Channel) OnMessageReceived(msg ipc.Message) {
	if c.closed {
		if msg.Sync {
			c.Send(ipc.ErrorReply(msg))
		}
		return
	}
	if c.logMessages {
		c.logger.Debug("received message", zap.Stringer("msg", msg), zap.Uint64("seq", msg.Seq))
	}

	if msg.IsWaitRange() {
		c.deferred = append([]ipc.Message{msg}, c.deferred...)
	} else {
		c.deferred = append(c.deferred, msg)
	}
	c.onScheduled()
}

// onScheduled posts a dispatch tick unless one is already pending.
func (c *Channel) onScheduled() {
	if c.handleScheduled || c.closed {
		return
	}
	c.handleScheduled = true
	c.main.PostTask(c.HandleMessage)
}

// HandleMessage dispatches at most one deferred message.
func (c *Channel) HandleMessage() {
	c.handleScheduled = false
	if c.closed || len(c.deferred) == 0 {
		return
	}

	msg := c.deferred[0]
	stub := c.stubs[msg.Route]
	if stub != nil {
		if !stub.IsScheduled() {
			return
		}
		if stub.IsPreempted() {
			c.onScheduled()
			return
		}
	}

	c.deferred[0] = ipc.Message{}
	c.deferred = c.deferred[1:]

	var err error
	if msg.IsControl() {
		err = c.onControlMessageReceived(msg)
	} else {
		err = c.routeMessage(msg)
	}

	processed := true
	if err != nil {
		c.logger.Debug("message not handled", zap.Stringer("msg", msg), zap.Error(err))
		if msg.Sync {
			c.Send(ipc.ErrorReply(msg))
		}
	} else if stub != nil && stub.HasUnprocessedCommands() {
		c.deferred = append([]ipc.Message{{Route: stub.route, Body: &ipc.Rescheduled{}}}, c.deferred...)
		processed = false
	}

	if processed {
		c.MessageProcessed()
	}
	if len(c.deferred) > 0 {
		c.onScheduled()
	}
}

func (c *Channel) routeMessage(msg ipc.Message) error {
	l, ok := c.router[msg.Route]
	if !ok {
		return fmt.Errorf("%w: %d", ErrRouteNotFound, msg.Route)
	}
	if !l.OnMessageReceived(msg) {
		return fmt.Errorf("%w: %s", ipc.ErrUnknownKind, msg.Kind())
	}
	return nil
}

func (c *Channel) onControlMessageReceived(msg ipc.Message) error {
	switch b := msg.Body.(type) {
	case *ipc.CreateOffscreenCommandBuffer:
		route, err := c.CreateOffscreenCommandBuffer(b)
		if msg.Sync {
			c.Send(ipc.ReplyTo(msg, &ipc.CreateCommandBufferReply{Succeeded: err == nil, Route: route}))
		}
		if err != nil {
			c.logger.Warn("offscreen command buffer creation failed", zap.Error(err))
		}
		return nil
	case *ipc.DestroyCommandBuffer:
		c.DestroyCommandBuffer(b.Route)
		if msg.Sync {
			c.Send(ipc.ReplyTo(msg, &ipc.AckReply{}))
		}
		return nil
	default:
		return fmt.Errorf("%w: control %s", ipc.ErrUnknownKind, msg.Kind())
	}
}

// MessageProcessed counts a dispatched message and reports it to the monitor.
func (c *Channel) MessageProcessed() {
	c.processed++
	if c.preempting == nil {
		return
	}
	m, n := c.monitor, c.processed
	c.io.PostTask(func() { m.MessageProcessed(n) })
}

// StubSchedulingChanged adjusts the descheduled stub count.
func (c *Channel) StubSchedulingChanged(scheduled bool) {
	wasDescheduled := c.numStubsDescheduled > 0
	if scheduled {
		c.numStubsDescheduled--
		c.onScheduled()
	} else {
		c.numStubsDescheduled++
	}
	if c.numStubsDescheduled < 0 {
		c.logger.Error("descheduled stub count went negative")
		c.numStubsDescheduled = 0
	}

	isDescheduled := c.numStubsDescheduled > 0
	if isDescheduled != wasDescheduled && c.preempting != nil {
		m := c.monitor
		c.io.PostTask(func() { m.UpdateStubSchedulingState(isDescheduled) })
	}
}

// CreateOffscreenCommandBuffer creates a command buffer with no surface.
func (c *Channel) CreateOffscreenCommandBuffer(req *ipc.CreateOffscreenCommandBuffer) (ipc.RouteID, error) {
	route := c.registry.GenerateRouteID()
	if err := c.createStub(route, 0); err != nil {
		return ipc.RouteNone, err
	}
	c.logger.Debug("offscreen command buffer created",
		zap.Int32("route", int32(route)),
		zap.Int32("width", req.Width),
		zap.Int32("height", req.Height),
	)
	c.registry.notifier.DidCreateOffscreenContext(c.clientID, route)
	return route, nil
}

// CreateViewCommandBuffer creates a command buffer bound to surfaceID.
func (c *Channel) CreateViewCommandBuffer(surfaceID int32) (ipc.RouteID, error) {
	if surfaceID == 0 {
		return ipc.RouteNone, ErrNoSurface
	}
	route := c.registry.GenerateRouteID()
	if err := c.createStub(route, surfaceID); err != nil {
		return ipc.RouteNone, err
	}
	c.logger.Debug("view command buffer created", zap.Int32("route", int32(route)))
	return route, nil
}

func (c *Channel) createStub(route ipc.RouteID, surfaceID int32) error {
	if c.closed {
		return ErrTransportClosed
	}
	exec, err := c.registry.executors(route, surfaceID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExecutorLost, err)
	}
	stub := newStub(c, route, surfaceID, exec)
	c.stubs[route] = stub
	c.router[route] = stub
	c.registry.claimRoute(route, c)
	stub.AddDestructionObserver(c.registry.releaseRoute)
	return nil
}

// DestroyCommandBuffer destroys the stub on route. Absent routes are ignored.
func (c *Channel) DestroyCommandBuffer(route ipc.RouteID) {
	stub, ok := c.stubs[route]
	if !ok {
		return
	}
	needReschedule := stub.syncPointWaits > 0
	delete(c.stubs, route)
	delete(c.router, route)
	stub.Destroy()
	if stub.Offscreen() {
		c.registry.notifier.DidDestroyOffscreenContext(c.clientID, route)
	}
	if needReschedule {
		c.StubSchedulingChanged(true)
	}
}

func (c *Channel) lookupStub(route ipc.RouteID) *Stub {
	return c.stubs[route]
}

// markAllContextsLost loses every context on the channel.
func (c *Channel) markAllContextsLost() {
	for _, route := range c.sortedRoutes() {
		c.stubs[route].markContextLost(ipc.ContextLostInnocent)
	}
}

// destroy tears the channel down. Every deferred synchronous message gets an
// error reply and every stub is destroyed.
func (c *Channel) destroy() {
	if c.closed {
		return
	}
	for _, route := range c.sortedRoutes() {
		c.DestroyCommandBuffer(route)
	}
	for _, msg := range c.deferred {
		if msg.Sync {
			c.Send(ipc.ErrorReply(msg))
		}
	}
	c.deferred = nil
	c.closed = true

	m := c.monitor
	c.io.PostTask(m.stop)

	c.senderMu.Lock()
	s := c.sender
	c.sender = nil
	c.senderMu.Unlock()
	if closer, ok := s.(io.Closer); ok {
		_ = closer.Close()
	}
	c.logger.Info("channel destroyed", zap.Uint64("processed", c.processed))
}

func (c *Channel) sortedRoutes() []ipc.RouteID {
	routes := make([]ipc.RouteID, 0, len(c.stubs))
	for route := range c.stubs {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i] < routes[j] })
	return routes
}

// Stats describes a channel for status reporting.
type Stats struct {
	ClientID         int32       `json:"client_id"`
	ChannelID        string      `json:"channel_id"`
	Preempts         bool        `json:"preempts"`
	Connected        bool        `json:"connected"`
	QueueDepth       int         `json:"queue_depth"`
	Processed        uint64      `json:"processed"`
	DescheduledStubs int         `json:"descheduled_stubs"`
	PreemptionState  string      `json:"preemption_state"`
	Stubs            []StubStats `json:"stubs"`
}

// Stats snapshots the channel.
func (c *Channel) Stats() Stats {
	s := Stats{
		ClientID:         c.clientID,
		ChannelID:        c.id,
		Preempts:         c.opts.Preempts,
		Connected:        c.hasSender(),
		QueueDepth:       len(c.deferred),
		Processed:        c.processed,
		DescheduledStubs: c.numStubsDescheduled,
		PreemptionState:  c.monitor.State().String(),
		Stubs:            make([]StubStats, 0, len(c.stubs)),
	}
	for _, route := range c.sortedRoutes() {
		s.Stubs = append(s.Stubs, c.stubs[route].stats())
	}
	return s
}
