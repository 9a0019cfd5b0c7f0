package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

// Config configures renderer connections.
type Config struct {
	// CompressThreshold is passed to the binary codec.
	CompressThreshold int
	SendBufferSize    int
	MaxMessageSize    int64
}

// Hub owns the renderer websocket connections. Inbound frames are decoded on
// the connection's read goroutine and handed to the channel's monitor on the
// io runner; registry calls run on the main runner.
type Hub struct {
	cfg      Config
	registry *channel.Registry
	main     taskrunner.Runner
	io       taskrunner.Runner
	logger   *zap.Logger
	upgrader websocket.Upgrader

	conns      map[*Conn]bool
	register   chan *Conn
	unregister chan *Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub.
func NewHub(cfg Config, registry *channel.Registry, main, io taskrunner.Runner, logger *zap.Logger) *Hub {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = sendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = maxMessageSize
	}
	return &Hub{
		cfg:      cfg,
		registry: registry,
		main:     main,
		io:       io,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:      make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		done:       make(chan struct{}),
	}
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("transport hub shutting down")
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.conns[conn] = true
			h.mu.Unlock()
			h.logger.Debug("renderer connected",
				zap.String("connID", conn.connID),
				zap.String("channelID", conn.channelID),
			)

		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			h.logger.Debug("renderer disconnected",
				zap.String("connID", conn.connID),
				zap.String("channelID", conn.channelID),
			)
		}
	}
}

// shutdown closes all renderer connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		_ = conn.Close()
		delete(h.conns, conn)
	}
}

// NumConnections returns the number of open renderer connections.
func (h *Hub) NumConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// URL builds the websocket URL for channelID relative to the request host.
func URL(r *http.Request, channelID string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, r.Host, channelID)
}

// negotiate picks the first offered subprotocol the server speaks. A renderer
// that offers none gets the binary protocol.
func negotiate(r *http.Request) (string, error) {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return ipc.SubprotocolBinary, nil
	}
	for _, proto := range offered {
		for _, supported := range ipc.Subprotocols {
			if proto == supported {
				return proto, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnsupportedSubprotocol, offered)
}

// HandleWS handles GET /ws/{channelID}.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	proto, err := negotiate(r)
	if err != nil {
		h.logger.Debug("websocket negotiation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	codec, err := ipc.NewCodec(proto, h.cfg.CompressThreshold)
	if err != nil {
		h.logger.Error("failed to create codec", zap.String("protocol", proto), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn := newConn(h, codec, channelID)

	// Attach before upgrading so unknown or busy channels get a plain HTTP
	// error.
	ctx, cancel := context.WithTimeout(r.Context(), writeWait)
	defer cancel()
	var ch *channel.Channel
	var connectErr error
	if err := taskrunner.PostAndWait(ctx, h.main, func() {
		if ctx.Err() != nil {
			return
		}
		ch, connectErr = h.registry.Connect(channelID, conn)
	}); err != nil {
		codec.Close()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if connectErr != nil {
		codec.Close()
		status := http.StatusConflict
		if errors.Is(connectErr, channel.ErrChannelNotFound) {
			status = http.StatusNotFound
		}
		h.logger.Debug("websocket connect rejected",
			zap.String("channelID", channelID),
			zap.Error(connectErr),
		)
		http.Error(w, connectErr.Error(), status)
		return
	}
	conn.channel = ch

	var responseHeader http.Header
	if len(websocket.Subprotocols(r)) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	ws, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		h.disconnect(conn, err)
		conn.releaseCodec()
		return
	}
	conn.ws = ws

	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("protocol", proto),
		zap.String("connID", conn.connID),
	)

	select {
	case h.register <- conn:
	case <-h.done:
		_ = ws.Close()
		h.disconnect(conn, channel.ErrTransportClosed)
		conn.releaseCodec()
		return
	}

	go conn.writePump()
	go conn.readPump()
}

// disconnect closes conn and detaches it from its channel on the main runner.
func (h *Hub) disconnect(conn *Conn, cause error) {
	_ = conn.Close()
	ch := conn.channel
	if ch == nil {
		return
	}
	h.main.PostTask(func() { h.registry.Disconnect(ch, cause) })
}

func newConnID() string {
	return uuid.New().String()
}
