package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

// Notifier receives host notifications from the channel registry. The
// HostNotifier methods never block; delivery happens in Run.
type Notifier interface {
	channel.HostNotifier
	Run(ctx context.Context)
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
	events     chan Event
	dropped    atomic.Uint64
	now        func() time.Time
}

var _ Notifier = (*Client)(nil)

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	size := cfg.QueueSize
	if size < 1 {
		size = 64
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
		events: make(chan Event, size),
		now:    time.Now,
	}
}

func (c *Client) DidCreateOffscreenContext(clientID int32, route ipc.RouteID) {
	c.enqueue(Event{Kind: EventOffscreenCreated, ClientID: clientID, Route: route})
}

func (c *Client) DidDestroyOffscreenContext(clientID int32, route ipc.RouteID) {
	c.enqueue(Event{Kind: EventOffscreenDestroyed, ClientID: clientID, Route: route})
}

func (c *Client) DidLoseContext(clientID int32, route ipc.RouteID, reason ipc.ContextLostReason) {
	c.enqueue(Event{Kind: EventContextLost, ClientID: clientID, Route: route, Reason: reason})
}

func (c *Client) ChannelClosed(clientID int32, channelID string) {
	c.enqueue(Event{Kind: EventChannelClosed, ClientID: clientID, ChannelID: channelID, Route: ipc.RouteNone})
}

// Dropped returns the number of events discarded because the queue was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Client) enqueue(e Event) {
	e.Time = c.now()
	logEvent(c.logger, e)
	if !e.Deliverable() {
		return
	}
	select {
	case c.events <- e:
	default:
		c.dropped.Add(1)
		c.logger.Warn("notification queue full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.Int32("client_id", e.ClientID),
		)
	}
}

// Run delivers queued events until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.events:
			if err := c.send(ctx, e); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to deliver notification",
					zap.String("kind", string(e.Kind)),
					zap.Error(err),
				)
			}
		}
	}
}

func (c *Client) send(ctx context.Context, e Event) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(FormatMessage(e)))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", e.Title())
	req.Header.Set("Priority", e.priority(c.config.Priority))
	req.Header.Set("Tags", e.tags(c.config.Tags))

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", e.Title()))
	return nil
}

// LogNotifier only logs host notifications. It is used when push
// notifications are disabled.
type LogNotifier struct {
	logger *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DidCreateOffscreenContext(clientID int32, route ipc.RouteID) {
	logEvent(n.logger, Event{Kind: EventOffscreenCreated, ClientID: clientID, Route: route})
}

func (n *LogNotifier) DidDestroyOffscreenContext(clientID int32, route ipc.RouteID) {
	logEvent(n.logger, Event{Kind: EventOffscreenDestroyed, ClientID: clientID, Route: route})
}

func (n *LogNotifier) DidLoseContext(clientID int32, route ipc.RouteID, reason ipc.ContextLostReason) {
	logEvent(n.logger, Event{Kind: EventContextLost, ClientID: clientID, Route: route, Reason: reason})
}

func (n *LogNotifier) ChannelClosed(clientID int32, channelID string) {
	logEvent(n.logger, Event{Kind: EventChannelClosed, ClientID: clientID, ChannelID: channelID, Route: ipc.RouteNone})
}

// Run is a no-op.
func (n *LogNotifier) Run(context.Context) {}

func logEvent(logger *zap.Logger, e Event) {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.Int32("client_id", e.ClientID),
	}
	if e.Route != ipc.RouteNone {
		fields = append(fields, zap.Int32("route", int32(e.Route)))
	}
	if e.ChannelID != "" {
		fields = append(fields, zap.String("channel_id", e.ChannelID))
	}
	if e.Kind == EventContextLost {
		fields = append(fields, zap.Stringer("reason", e.Reason))
		logger.Warn("context lost", fields...)
		return
	}
	logger.Info("host notification", fields...)
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return NewLogNotifier(logger)
	}
	return NewClient(cfg, logger)
}
