// Package server runs one Client per WebSocket connection: its read and
// write pumps, its session binding and its command dispatch.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/domain"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/session"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	errorTimeout = time.Second
)

// Dispatcher executes domain commands on behalf of a connection.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (any, error)
}

// Client is one WebSocket connection. It implements presence.Conn so the
// fan-out engine can push frames to it.
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
	hub     *Hub
	session *session.Session
	engine  Dispatcher
	limiter *rateLimiter
	metrics *metrics.Metrics
	log     *zap.Logger
}

func newClient(conn *websocket.Conn, s *Server, addr string) *Client {
	id := uuid.NewString()
	log := s.log.With(zap.String("conn", id), zap.String("remote", addr))
	ctx, cancel := context.WithCancel(s.hub.ctx)
	c := &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		hub:     s.hub,
		engine:  s.engine,
		limiter: newRateLimiter(s.opts.RateLimit),
		metrics: s.metrics,
		log:     log,
	}
	c.session = session.New(c, s.registry, s.log)
	if conn != nil {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	return c
}

func (c *Client) ID() string { return c.id }

// Send queues frame for the write pump. It fails with domain.ErrConnClosed
// once the client is closed and with domain.ErrSendBuffer if the queue stays
// full until ctx ends.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return domain.ErrConnClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrSendBuffer, ctx.Err())
	}
}

// Close stops the pumps. The write pump sends a close frame and closes the
// socket, which ends the read pump. Safe to call many times.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) readPump() {
	defer c.teardown()
	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.allow() {
			c.log.Debug("Rate limit exceeded; discarding frame")
			c.metrics.Command("unknown", domain.ErrorCode(domain.ErrRateLimited))
			c.reportError("", domain.ErrRateLimited)
			continue
		}
		c.handleFrame(raw)
		if c.session.State() == session.Closed {
			return
		}
	}
}

// teardown runs once the read side is finished. The write pump closes the
// socket after it has sent the close frame.
func (c *Client) teardown() {
	c.session.Close()
	c.Close()
	c.hub.remove(c)
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Frame exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.log.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Debug("WebSocket read error", zap.Error(err))
	}
}

// handleFrame decodes one inbound frame and executes it. Failures are
// reported to this connection only.
func (c *Client) handleFrame(raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		c.finish("", err)
		return
	}

	switch env.Type {
	case typeRegister:
		user, err := decodeRegister(env.Data)
		if err == nil {
			err = c.session.Bind(user)
		}
		c.finish(env.Type, err)
	case typeUnregister:
		c.finish(env.Type, c.session.Unregister())
	default:
		cmd, err := decodeCommand(env)
		if err == nil {
			_, err = c.engine.Dispatch(c.ctx, cmd)
		}
		c.finish(env.Type, err)
	}
}

func (c *Client) finish(command string, err error) {
	label := command
	if !knownType(label) {
		label = "unknown"
	}
	if err == nil {
		c.metrics.Command(label, "ok")
		return
	}
	code := domain.ErrorCode(err)
	c.metrics.Command(label, code)
	if code == "storage" || code == "internal" {
		c.log.Error("Command failed", zap.String("command", command), zap.Error(err))
	} else {
		c.log.Debug("Command rejected", zap.String("command", command), zap.Error(err))
	}
	c.reportError(command, err)
}

func (c *Client) reportError(command string, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == "storage" || code == "internal" {
		message = "request could not be completed"
	}
	frame, encErr := domain.Encode(domain.EventError, domain.Failure{Command: command, Code: code, Message: message})
	if encErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), errorTimeout)
	defer cancel()
	if sendErr := c.Send(ctx, frame); sendErr != nil {
		c.log.Debug("Error report not delivered", zap.Error(sendErr))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("Close connection in write pump", zap.Error(err))
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Write failed", zap.Int("type", messageType), zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
