package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const defaultPingPeriod = 54 * time.Second

// wsConn wraps one client websocket with a buffered outbound queue. Sends
// never block the caller; a full queue drops the frame and reports
// backpressure. The write pump doubles as the keepalive: it pings on a
// ticker and the read side expects a pong within the matching window.
type wsConn struct {
	conn       *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration
	pongWait   time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn, buffer int, pingPeriod time.Duration) *wsConn {
	if buffer <= 0 {
		buffer = 32
	}
	if pingPeriod <= 0 {
		pingPeriod = defaultPingPeriod
	}
	return &wsConn{
		conn:       conn,
		send:       make(chan []byte, buffer),
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 10 / 9,
	}
}

// setupRead arms the pong-based liveness deadline on the read side. Called
// once by the connection owner before it starts reading.
func (c *wsConn) setupRead() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close is idempotent; the underlying websocket is closed exactly once.
func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}
