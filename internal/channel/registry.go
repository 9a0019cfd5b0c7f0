package channel

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

// LostContextPolicy decides what happens to the rest of the process when a
// context is lost by its own fault.
type LostContextPolicy string

const (
	LostContextContinue LostContextPolicy = "continue"
	LostContextLoseAll  LostContextPolicy = "lose_all"
	LostContextExit     LostContextPolicy = "exit"
)

// Config configures a Registry.
type Config struct {
	Timing            Timing
	LogMessages       bool
	LostContextPolicy LostContextPolicy
	// DropWarnInterval throttles warnings about messages for unknown routes.
	DropWarnInterval time.Duration
}

// Deps are the collaborators of a Registry.
type Deps struct {
	Main        taskrunner.Runner
	IO          taskrunner.Runner
	Coordinator SyncPointCoordinator
	Executors   ExecutorFactory
	Notifier    HostNotifier
	Logger      *zap.Logger
}

// Registry owns every channel of the process and the process-wide route id
// space. Except for GenerateRouteID, its methods run on the main runner.
type Registry struct {
	main        taskrunner.Runner
	io          taskrunner.Runner
	coordinator SyncPointCoordinator
	executors   ExecutorFactory
	notifier    HostNotifier
	logger      *zap.Logger
	cfg         Config

	lastRouteID atomic.Int32

	channels    map[int32]*Channel
	byID        map[string]*Channel
	routeOwners map[ipc.RouteID]*Channel

	preemptionFlag *PreemptionFlag
	preemptor      *Channel

	dropWarn rate.Sometimes
	dropped  uint64

	// exit terminates the process under LostContextExit.
	exit func(code int)
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = 10 * time.Second
	}
	if cfg.LostContextPolicy == "" {
		cfg.LostContextPolicy = LostContextContinue
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Registry{
		main:           deps.Main,
		io:             deps.IO,
		coordinator:    deps.Coordinator,
		executors:      deps.Executors,
		notifier:       notifier,
		logger:         deps.Logger,
		cfg:            cfg,
		channels:       make(map[int32]*Channel),
		byID:           make(map[string]*Channel),
		routeOwners:    make(map[ipc.RouteID]*Channel),
		preemptionFlag: &PreemptionFlag{},
		dropWarn:       rate.Sometimes{First: 1, Interval: cfg.DropWarnInterval},
		exit:           os.Exit,
	}
}

// GenerateRouteID returns a process-wide unique route id. Safe from any
// goroutine.
func (r *Registry) GenerateRouteID() ipc.RouteID {
	return ipc.RouteID(r.lastRouteID.Add(1))
}

// CreateChannel creates the channel for clientID and returns its id.
func (r *Registry) CreateChannel(clientID int32, opts Options) (string, error) {
	if _, exists := r.channels[clientID]; exists {
		return "", fmt.Errorf("%w: client %d", ErrAlreadyExists, clientID)
	}

	var preempting, preemptedBy *PreemptionFlag
	if opts.Preempts {
		if r.preemptor != nil {
			return "", fmt.Errorf("%w: client %d", ErrPreemptorExists, r.preemptor.clientID)
		}
		preempting = r.preemptionFlag
	} else {
		preemptedBy = r.preemptionFlag
	}

	id := "gpu." + uuid.NewString()
	c := newChannel(r, clientID, id, opts, preempting, preemptedBy)
	r.channels[clientID] = c
	r.byID[id] = c
	if opts.Preempts {
		r.preemptor = c
	}

	r.logger.Info("channel established",
		zap.Int32("clientID", clientID),
		zap.String("channelID", id),
		zap.Bool("preempts", opts.Preempts),
		zap.Bool("allowFutureSyncPoints", opts.AllowFutureSyncPoints),
	)
	return id, nil
}

// RemoveChannel tears down the channel for clientID. Absent clients are
// ignored.
func (r *Registry) RemoveChannel(clientID int32) {
	c, ok := r.channels[clientID]
	if !ok {
		return
	}
	delete(r.channels, clientID)
	delete(r.byID, c.id)
	if r.preemptor == c {
		r.preemptor = nil
	}
	c.destroy()
	r.notifier.ChannelClosed(clientID, c.id)
}

// Channel returns the channel for clientID.
func (r *Registry) Channel(clientID int32) (*Channel, bool) {
	c, ok := r.channels[clientID]
	return c, ok
}

// Connect attaches a renderer connection to the channel with the given id.
func (r *Registry) Connect(channelID string, s Sender) (*Channel, error) {
	c, ok := r.byID[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	if c.hasSender() {
		return nil, fmt.Errorf("%w: %s", ErrChannelConnected, channelID)
	}
	c.SetSender(s)
	return c, nil
}

// Disconnect removes the channel after its connection closed. The channel is
// not kept for a reconnect.
func (r *Registry) Disconnect(c *Channel, cause error) {
	if cur, ok := r.channels[c.clientID]; !ok || cur != c {
		return
	}
	r.logger.Info("channel connection closed",
		zap.Int32("clientID", c.clientID),
		zap.String("channelID", c.id),
		zap.NamedError("cause", cause),
	)
	r.RemoveChannel(c.clientID)
}

// RouteMessage handles a process-level control message or forwards a routed
// message, through its monitor, to the channel owning its route. For
// synchronous control messages the returned message is the reply.
func (r *Registry) RouteMessage(msg ipc.Message) (ipc.Message, error) {
	if !msg.IsControl() {
		c, ok := r.routeOwners[msg.Route]
		if !ok {
			r.dropped++
			r.dropWarn.Do(func() {
				r.logger.Warn("dropping message for unknown route",
					zap.Int32("route", int32(msg.Route)),
					zap.Stringer("kind", msg.Kind()),
					zap.Uint64("droppedTotal", r.dropped),
				)
			})
			return ipc.Message{}, fmt.Errorf("%w: %d", ErrRouteNotFound, msg.Route)
		}
		m := c.monitor
		c.io.PostTask(func() { m.OnMessageReceived(msg) })
		return ipc.Message{}, nil
	}

	switch b := msg.Body.(type) {
	case *ipc.EstablishChannel:
		_, err := r.CreateChannel(b.ClientID, Options{
			Preempts:              b.Preempts,
			AllowFutureSyncPoints: b.AllowFutureSyncPoints,
		})
		if err != nil {
			return ipc.ErrorReply(msg), err
		}
		return ipc.ReplyTo(msg, &ipc.AckReply{}), nil

	case *ipc.CloseChannel:
		r.RemoveChannel(b.ClientID)
		return ipc.ReplyTo(msg, &ipc.AckReply{}), nil

	case *ipc.CreateViewCommandBuffer:
		c, ok := r.channels[b.ClientID]
		if !ok {
			return ipc.ReplyTo(msg, &ipc.CreateCommandBufferReply{Route: ipc.RouteNone}),
				fmt.Errorf("%w: client %d", ErrChannelNotFound, b.ClientID)
		}
		route, err := c.CreateViewCommandBuffer(b.SurfaceID)
		if err != nil {
			return ipc.ReplyTo(msg, &ipc.CreateCommandBufferReply{Route: ipc.RouteNone}), err
		}
		return ipc.ReplyTo(msg, &ipc.CreateCommandBufferReply{Succeeded: true, Route: route}), nil

	case *ipc.DestroyViewCommandBuffer:
		if c, ok := r.channels[b.ClientID]; ok {
			c.DestroyCommandBuffer(b.Route)
		}
		return ipc.ReplyTo(msg, &ipc.AckReply{}), nil

	default:
		return ipc.ErrorReply(msg), fmt.Errorf("%w: control %s", ipc.ErrUnknownKind, msg.Kind())
	}
}

func (r *Registry) claimRoute(route ipc.RouteID, c *Channel) {
	r.routeOwners[route] = c
}

func (r *Registry) releaseRoute(s *Stub) {
	if r.routeOwners[s.route] == s.channel {
		delete(r.routeOwners, s.route)
	}
}

// onContextLost reports a lost context to the host and applies the lost
// context policy. Innocent losses never escalate.
func (r *Registry) onContextLost(clientID int32, route ipc.RouteID, reason ipc.ContextLostReason) {
	r.notifier.DidLoseContext(clientID, route, reason)
	if reason == ipc.ContextLostInnocent {
		return
	}

	switch r.cfg.LostContextPolicy {
	case LostContextLoseAll:
		r.main.PostTask(r.MarkAllContextsLost)
	case LostContextExit:
		r.logger.Error("exiting after context loss",
			zap.Int32("clientID", clientID),
			zap.Int32("route", int32(route)),
			zap.Stringer("reason", reason),
		)
		r.exit(1)
	}
}

// MarkAllContextsLost loses every context in the process.
func (r *Registry) MarkAllContextsLost() {
	r.logger.Warn("marking all contexts lost", zap.Int("channels", len(r.channels)))
	for _, c := range r.sortedChannels() {
		c.markAllContextsLost()
	}
}

// Shutdown removes every channel.
func (r *Registry) Shutdown() {
	for _, c := range r.sortedChannels() {
		r.RemoveChannel(c.clientID)
	}
}

// Snapshot returns stats for every channel ordered by client id.
func (r *Registry) Snapshot() []Stats {
	out := make([]Stats, 0, len(r.channels))
	for _, c := range r.sortedChannels() {
		out = append(out, c.Stats())
	}
	return out
}

// NumChannels returns the number of live channels.
func (r *Registry) NumChannels() int { return len(r.channels) }

func (r *Registry) sortedChannels() []*Channel {
	out := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].clientID < out[j].clientID })
	return out
}

type nopNotifier struct{}

func (nopNotifier) DidCreateOffscreenContext(int32, ipc.RouteID)             {}
func (nopNotifier) DidDestroyOffscreenContext(int32, ipc.RouteID)            {}
func (nopNotifier) DidLoseContext(int32, ipc.RouteID, ipc.ContextLostReason) {}
func (nopNotifier) ChannelClosed(int32, string)                              {}
