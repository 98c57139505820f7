// Package ws implements the signalling transport as a WebSocket client.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Subprotocol is required by the Janus WebSocket transport.
const Subprotocol = "janus-protocol"

// Conn is a client-side signalling connection. Outbound frames go through
// a buffered send channel drained by the write pump; inbound frames are
// delivered to onMessage from the read pump, in network order.
type Conn struct {
	conn      *websocket.Conn
	send      chan core.Frame
	onMessage func(core.Frame)
	onClose   func(error)

	mu     sync.RWMutex
	closed bool
}

// compile-time check
var _ core.SignalConnection = (*Conn)(nil)

// Dial connects to the gateway. onMessage is invoked for every inbound
// text frame; onClose exactly once when the connection dies, with nil
// error after a deliberate Close.
func Dial(ctx context.Context, url string, onMessage func(core.Frame), onClose func(error)) (*Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	wsConn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Conn{
		conn:      wsConn,
		send:      make(chan core.Frame, sendBuffer),
		onMessage: onMessage,
		onClose:   onClose,
	}
	go c.writePump(ctx)
	go c.readPump(ctx)
	return c, nil
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "ws").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "ws").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context) {
	var readErr error
	defer func() {
		deliberate := c.isClosed()
		c.Close()
		if c.onClose != nil {
			if deliberate {
				c.onClose(nil)
			} else {
				c.onClose(readErr)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "ws").Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !c.isClosed() {
					log.Warn().Err(err).Str("module", "ws").Msg("readPump read error")
				}
				readErr = err
				return
			}
			if c.onMessage != nil {
				c.onMessage(data)
			}
		}
	}
}
