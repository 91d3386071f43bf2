package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	authWait       = 10 * time.Second
	requestTimeout = 10 * time.Second
)

// Client is one WebSocket connection. It implements chat.Conn: the core
// hands it events through Send and the write pump delivers them.
type Client struct {
	id      string
	conn    *websocket.Conn
	srv     *Server
	addr    string
	session *chat.Session

	// handshake is the principal resolved from the upgrade request, if any.
	handshake *chat.Principal

	// mu guards the send queue and log, which gains the user id once the
	// session authenticates.
	mu     sync.Mutex
	log    *slog.Logger
	send   chan []byte
	closed bool

	limiter *rate.Limiter
}

var _ chat.Conn = (*Client)(nil)

// newClient builds a client for an upgraded connection. conn may be nil in
// tests that only exercise the send path.
func newClient(conn *websocket.Conn, srv *Server, addr string, handshake *chat.Principal) *Client {
	id := uuid.NewString()
	c := &Client{
		id:        id,
		conn:      conn,
		srv:       srv,
		addr:      addr,
		log:       srv.log.With("conn", id, "remote", addr),
		handshake: handshake,
		send:      make(chan []byte, srv.cfg.SendBufferSize),
		limiter:   newRateLimiter(srv.cfg.RateLimit),
	}
	if conn != nil {
		conn.SetReadLimit(srv.cfg.MaxMessageSize)
	}
	c.session = chat.NewSession(c, srv.router, srv.dir, srv.log.With("remote", addr))
	return c
}

func (c *Client) logger() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues an event without blocking. A full buffer marks the client as a
// slow consumer: its queue is closed, the write pump sends a close frame and
// the read pump then runs the disconnect cleanup.
func (c *Client) Send(evt chat.Event) bool {
	payload, err := json.Marshal(evt)
	if err != nil {
		c.logger().Error("failed to encode event", "event", evt.Name, "err", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.closed = true
		close(c.send)
		c.log.Warn("send buffer full; evicting slow client", "event", evt.Name)
		return false
	}
}

// closeSend stops accepting events and lets the write pump drain and exit.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger().Debug("failed to set read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger().Debug("failed to set read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs the read failure at a level matching how expected it is.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger().Warn("message exceeded maximum size", "limit", c.srv.cfg.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger().Info("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger().Info("client connection closed", "err", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger().Warn("unexpected websocket close", "err", err)
	default:
		c.logger().Warn("websocket read error", "err", err)
	}
}

// checkRateLimit reports whether the next frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.limiter.Allow() {
		return true
	}
	c.logger().Warn("rate limit exceeded; discarding frame",
		"burst", c.srv.cfg.RateLimit.Burst, "interval", c.srv.cfg.RateLimit.RefillInterval)
	return false
}

// authenticate binds the session to a principal, either the one resolved on
// the handshake or one named by an in-band authenticate frame that must come
// first.
func (c *Client) authenticate() bool {
	principal, ok := c.awaitPrincipal()
	if !ok {
		return false
	}
	if err := c.session.Authenticate(principal); err != nil {
		return false
	}
	c.mu.Lock()
	c.log = c.log.With("user", principal.ID)
	c.mu.Unlock()
	return true
}

func (c *Client) awaitPrincipal() (chat.Principal, bool) {
	if c.handshake != nil {
		return *c.handshake, true
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		c.logger().Debug("failed to set authentication deadline", "err", err)
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.handleReadError(err)
		c.session.Close()
		return chat.Principal{}, false
	}
	token, err := decodeAuthenticate(raw)
	if err != nil {
		return chat.Principal{}, c.refuse(err)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger().Debug("failed to set read deadline", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	principal, err := c.srv.resolvePrincipal(ctx, token)
	if err != nil {
		c.logger().Info("authentication failed", "err", err)
		return chat.Principal{}, c.refuse(fmt.Errorf("%w: %w", chat.ErrNotAuthenticated, err))
	}
	return principal, true
}

// refuse reports an authentication failure and closes the session before it
// ever reaches the directory.
func (c *Client) refuse(err error) bool {
	c.Send(chat.ErrorEvent(eventAuthenticate, err))
	c.session.Close()
	return false
}

func decodeAuthenticate(raw []byte) (string, error) {
	var env inboundFrame
	if err := json.Unmarshal(raw, &env); err != nil || env.Event != eventAuthenticate {
		return "", fmt.Errorf("%w: first frame must be %s", chat.ErrNotAuthenticated, eventAuthenticate)
	}
	var req authenticateRequest
	if err := json.Unmarshal(env.Data, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		return "", fmt.Errorf("%w: token required", chat.ErrNotAuthenticated)
	}
	return req.Token, nil
}

// processFrame decodes one inbound frame, runs its handler and reports a
// failure to this connection only.
func (c *Client) processFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger().Info("invalid frame", "err", err)
		c.Send(chat.ErrorEvent("", fmt.Errorf("%w: malformed frame", chat.ErrInvalidRequest)))
		return
	}

	handler, ok := inboundHandlers[frame.Event]
	if !ok {
		c.Send(chat.ErrorEvent(frame.Event, fmt.Errorf("%w: unknown event %q", chat.ErrInvalidRequest, frame.Event)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := handler(ctx, c, frame.Data); err != nil {
		c.logger().Debug("request failed", "event", frame.Event, "err", err)
		c.Send(chat.ErrorEvent(frame.Event, err))
	}
}

func (c *Client) readPump() {
	// The write pump owns the socket close so that queued events, such as an
	// authentication error, still reach the peer.
	defer func() {
		c.session.Close()
		c.srv.hub.unregisterClient(c)
	}()

	c.setupReadConnection()
	if !c.authenticate() {
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger().Debug("error closing connection in writePump", "err", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.writeCloseMessage()
				return
			}
			if !c.writeTextMessage(message) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger().Debug("failed to write ping", "err", err)
				return
			}
		}
	}
}

func (c *Client) writeCloseMessage() {
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil && !isExpectedCloseError(err) {
		c.logger().Debug("failed to write close message", "err", err)
	}
}

// writeTextMessage writes message and whatever else is already queued into a
// single frame, one event per line.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger().Debug("failed to create writer", "err", err)
		return false
	}
	if _, err := w.Write(message); err != nil {
		c.logger().Debug("failed to write message", "err", err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger().Debug("failed to write queued message", "err", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger().Debug("failed to flush writer", "err", err)
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
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
