package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per connection.
	sendBufferSize = 256
)

// Conn is one renderer connection. It implements channel.Sender.
type Conn struct {
	hub       *Hub
	ws        *websocket.Conn
	codec     ipc.Codec
	channel   *channel.Channel
	channelID string
	connID    string
	logger    *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ channel.Sender = (*Conn)(nil)

func newConn(h *Hub, codec ipc.Codec, channelID string) *Conn {
	connID := newConnID()
	return &Conn{
		hub:       h,
		codec:     codec,
		channelID: channelID,
		connID:    connID,
		logger: h.logger.With(
			zap.String("connID", connID),
			zap.String("channelID", channelID),
		),
		send: make(chan []byte, h.cfg.SendBufferSize),
	}
}

// Send encodes msg and queues it for the write pump. Safe from any goroutine.
func (c *Conn) Send(msg ipc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return channel.ErrTransportClosed
	}
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn("renderer too slow, closing connection", zap.Int("buffered", len(c.send)))
		c.closeLocked()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame to the renderer.
// It is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// releaseCodec frees the codec once the connection is closed. Send never
// encodes after close.
func (c *Conn) releaseCodec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec.Close()
}

// readPump decodes frames and feeds them to the channel's monitor on the io
// runner. It owns the teardown of the connection.
func (c *Conn) readPump() {
	var cause error = channel.ErrTransportClosed
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.hub.disconnect(c, cause)
		_ = c.ws.Close()
		c.releaseCodec()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	monitor := c.channel.Monitor()
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
				cause = err
			}
			return
		}

		msg, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("malformed message from renderer", zap.Error(err))
			cause = err
			return
		}
		if msg.Kind().IsReply() {
			c.logger.Warn("renderer sent a reply kind", zap.Stringer("msg", msg))
			cause = fmt.Errorf("%w: %s", ipc.ErrUnknownKind, msg.Kind())
			return
		}

		if !c.hub.io.PostTask(func() { monitor.OnMessageReceived(msg) }) {
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	msgType := websocket.BinaryMessage
	if c.codec.Text() {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "channel closed"))
				return
			}
			if err := c.ws.WriteMessage(msgType, frame); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
