// Package ws adapts gorilla websocket connections to the relay: one read
// pump feeding the frame dispatcher and one write pump draining the send
// buffer, per connection.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dontrlycare/m-essenger-server/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Upgrade converts an HTTP request into a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

// Config tunes one client connection.
type Config struct {
	ReadLimit      int64
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	return c
}

// Client is one live websocket connection. It satisfies registry.Conn so
// the relay can deliver frames to it.
type Client struct {
	conn    *websocket.Conn
	log     *zap.Logger
	relay   *relay.Relay
	session *relay.Session
	sendCh  chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     Config
	remote  string
}

// NewClient wraps an upgraded connection. Serve starts the pumps.
func NewClient(parentCtx context.Context, conn *websocket.Conn, rly *relay.Relay, log *zap.Logger, cfg Config) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Client{
		conn:   conn,
		log:    log,
		relay:  rly,
		sendCh: make(chan []byte, cfg.withDefaults().SendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg.withDefaults(),
		remote: conn.RemoteAddr().String(),
	}
	c.session = relay.NewSession(c, c.remote)
	return c
}

// Send enqueues one outbound frame without blocking. It fails when the
// connection is closing or when the peer has let its buffer fill up;
// callers treat both as a dropped delivery.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.sendCh <- payload:
		return nil
	default:
		return errBufferFull
	}
}

// Serve runs the write pump in the background and the read loop in the
// caller's goroutine. It returns once the connection is gone and the relay
// teardown has finished.
func (c *Client) Serve() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		// Teardown must finish even though the connection context is gone.
		c.relay.HandleDisconnect(context.Background(), c.session)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("close connection", zap.String("remote", c.remote), zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) && !isExpectedCloseError(err) {
				c.log.Warn("read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		c.relay.HandleFrame(c.ctx, c.session, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Debug("write failed", zap.String("remote", c.remote), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isExpectedCloseError reports errors that occur routinely when a peer goes
// away mid-write.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
