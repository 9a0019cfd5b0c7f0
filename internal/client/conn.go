package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

const (
	writeWait       = 10 * time.Second
	eventBufferSize = 64
)

// Conn is the renderer end of a channel. Replies to synchronous messages are
// matched by id; everything else is delivered on Events.
type Conn struct {
	ws     *websocket.Conn
	codec  ipc.Codec
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan ipc.Message
	closed  bool
	err     error

	events chan ipc.Message
	done   chan struct{}
}

// Dial opens the websocket for a channel.
func Dial(ctx context.Context, url, subprotocol string, compressThreshold int, logger *zap.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: writeWait,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
			case http.StatusConflict:
				return nil, fmt.Errorf("%w: %s", ErrConflict, url)
			}
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	proto := ws.Subprotocol()
	if proto == "" {
		proto = subprotocol
	}
	codec, err := ipc.NewCodec(proto, compressThreshold)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Conn{
		ws:      ws,
		codec:   codec,
		logger:  logger,
		pending: make(map[uint64]chan ipc.Message),
		events:  make(chan ipc.Message, eventBufferSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers unsolicited messages such as Destroyed and
// SignalSyncPointAck. It is closed when the connection ends.
func (c *Conn) Events() <-chan ipc.Message { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send sends an asynchronous message.
func (c *Conn) Send(route ipc.RouteID, body ipc.Body) error {
	return c.write(ipc.Message{Route: route, Body: body})
}

// Call sends a synchronous message and waits for its reply.
func (c *Conn) Call(ctx context.Context, route ipc.RouteID, body ipc.Body) (ipc.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.Message{}, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan ipc.Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ipc.Message{Route: route, Sync: true, ID: id, Body: body}); err != nil {
		return ipc.Message{}, err
	}

	select {
	case reply := <-ch:
		if reply.Error {
			return reply, fmt.Errorf("%w: %s", ErrErrorReply, body.Kind())
		}
		return reply, nil
	case <-c.done:
		return ipc.Message{}, ErrClosed
	case <-ctx.Done():
		return ipc.Message{}, ctx.Err()
	}
}

func (c *Conn) write(msg ipc.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	typ := websocket.BinaryMessage
	if c.codec.Text() {
		typ = websocket.TextMessage
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(typ, frame); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Kind(), err)
	}
	return nil
}

// Close sends a close frame and waits for the read loop to finish.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
		_ = c.ws.Close()
		<-c.done
	}
	return nil
}

func (c *Conn) readLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		close(c.events)
		_ = c.ws.Close()

		c.writeMu.Lock()
		c.codec.Close()
		c.writeMu.Unlock()
	}()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}
			return
		}
		msg, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("malformed message from gpu process", zap.Error(err))
			cause = err
			return
		}

		if msg.Kind().IsReply() {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("duplicate reply", zap.Stringer("msg", msg))
				}
			} else {
				c.logger.Debug("reply without a caller", zap.Stringer("msg", msg))
			}
			continue
		}

		select {
		case c.events <- msg:
		default:
			c.logger.Warn("event buffer full, dropping", zap.Stringer("msg", msg))
		}
	}
}
