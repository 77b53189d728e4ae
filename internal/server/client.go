// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/config"
)

// Client represents a WebSocket client connection. It implements Conn: Send
// queues onto a buffered channel drained by writePump, and Close asks
// writePump to send a close frame and tear the socket down.
type Client struct {
	conn        *websocket.Conn
	hub         *Hub
	addr        string
	logger      *zap.Logger
	settings    config.WebSocketConfig
	maxSize     int64
	rateLimiter *rateLimiter
	rateLimit   config.RateLimitConfig

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string
}

// NewClient creates a Client for an upgraded connection. The send channel
// is buffered to absorb bursts while the peer drains.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg config.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	bufferSize := cfg.WebSocket.SendBufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}

	return &Client{
		conn:        conn,
		hub:         hub,
		addr:        addr,
		logger:      logger.With(zap.String("addr", addr)),
		settings:    cfg.WebSocket,
		maxSize:     cfg.MaxMessageSize,
		rateLimiter: newRateLimiter(cfg.RateLimit),
		rateLimit:   cfg.RateLimit,
		send:        make(chan []byte, bufferSize),
		closeCode:   CloseNormal,
	}
}

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string {
	return c.addr
}

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close records the close code and reason and stops the write pump, which
// sends the close frame. Only the first call has any effect.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

func (c *Client) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait)); err != nil {
		c.logger.Debug("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	})
}

// handleReadError logs read failures by severity. Every read error ends the
// read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", zap.Int64("limit", c.maxSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.logger.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next message may be processed. A
// throttled client gets an error frame instead of silence.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}

	retry := c.rateLimiter.retryAfter().Round(time.Millisecond)
	c.logger.Info("rate limit exceeded; discarding message",
		zap.Int("burst", c.rateLimit.Burst),
		zap.Duration("refill_interval", c.rateLimit.RefillInterval),
		zap.Duration("retry_after", retry))
	c.hub.metrics.envelope("throttled", chat.CodeRateLimited)

	payload, err := json.Marshal(errorFrame{
		Type:    FrameError,
		Code:    chat.CodeRateLimited,
		Message: fmt.Sprintf("too many messages, retry in %s", retry),
	})
	if err == nil {
		_ = c.Send(payload)
	}
	return false
}

// readPump feeds inbound messages to the hub until the peer goes away or
// the hub shuts down, then disconnects the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		_ = c.Close(CloseNormal, "")
	}()

	c.setupReadConnection()
	ctx := c.hub.Context()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		c.hub.Dispatch(ctx, c, raw)
	}
}

// writePump writes queued frames one per WebSocket message and keeps the
// connection alive with pings. It owns every write to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		}
	}
}

// closeConnection closes the socket, which unblocks readPump.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("close connection", zap.Error(err))
	}
}

func (c *Client) writeCloseMessage() {
	deadline := time.Now().Add(c.settings.WriteTimeout)
	if err := c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), deadline); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("write close message", zap.Error(err))
	}
}

func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
		c.logger.Debug("set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("write message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	deadline := time.Now().Add(c.settings.WriteTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("write ping", zap.Error(err))
		}
		return false
	}
	return true
}
