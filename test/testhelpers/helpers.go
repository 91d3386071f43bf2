// Package testhelpers provides common utilities for the roomchat integration
// tests: a full server stack over an in-memory database, HTTP helpers and a
// WebSocket client that understands the event envelope.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/storage"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestOrigin is the origin every helper connection presents.
const TestOrigin = "http://localhost:8080"

// Env is a running server with its store and token manager.
type Env struct {
	Server  *server.Server
	Store   *storage.Store
	Tokens  *auth.TokenManager
	BaseURL string
	WSURL   string
}

// NewStore opens a migrated store over an in-memory SQLite database.
func NewStore(t *testing.T) *storage.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to access test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := storage.New(db, DiscardLogger(), storage.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StartEnv starts a server on a random local port. customize may adjust the
// configuration before the server is built.
func StartEnv(t *testing.T, customize func(cfg *server.Config)) *Env {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Port = "127.0.0.1:0"
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.JWTSecret = "integration-secret"
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.RateLimit.Burst = 1000
	if customize != nil {
		customize(&cfg)
	}

	store := NewStore(t)
	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		t.Fatalf("Failed to create token manager: %v", err)
	}

	srv := server.New(cfg, store, tokens, DiscardLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &Env{
		Server:  srv,
		Store:   store,
		Tokens:  tokens,
		BaseURL: "http://" + srv.Addr(),
		WSURL:   "ws://" + srv.Addr() + "/ws",
	}
}

// CreateUser saves an account and returns it with a session token.
func (e *Env) CreateUser(t *testing.T, name, role string) (*storage.User, string) {
	t.Helper()
	user, err := e.Store.CreateUser(context.Background(), name, name+"@example.com", "secret-"+name, role)
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", name, err)
	}
	token, err := e.Tokens.Issue(user.ID, user.Role)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return user, token
}

// CreateRoom saves a room owned by creator.
func (e *Env) CreateRoom(t *testing.T, name, typ, password string, creator int64) *storage.Room {
	t.Helper()
	room, err := e.Store.CreateRoom(context.Background(), storage.CreateRoomParams{
		Name: name, Type: typ, Password: password, CreatedBy: creator,
	})
	if err != nil {
		t.Fatalf("Failed to create room %s: %v", name, err)
	}
	return room
}

// MakeRequest executes a JSON request with an optional bearer token.
func MakeRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes a response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// Event is one decoded outbound event.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Data, v); err != nil {
		t.Fatalf("Failed to decode %s payload: %v", e.Name, err)
	}
}

// ChatConn is a WebSocket client that splits batched frames into events. A
// background reader owns the socket's read side.
type ChatConn struct {
	*websocket.Conn
	events chan Event
	done   chan struct{}
	err    error
}

func newChatConn(conn *websocket.Conn) *ChatConn {
	c := &ChatConn{Conn: conn, events: make(chan Event, 256), done: make(chan struct{})}
	go c.readLoop()
	return c
}

func (c *ChatConn) readLoop() {
	defer close(c.done)
	for {
		_, frame, err := c.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal(line, &evt); err != nil {
				c.err = err
				return
			}
			c.events <- evt
		}
	}
}

// Dial opens a connection. A non-empty token is sent on the handshake as a
// query parameter.
func (e *Env) Dial(t *testing.T, token string) *ChatConn {
	t.Helper()
	url := e.WSURL
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := DialOrigin(url, TestOrigin)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Failed to connect to WebSocket (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return newChatConn(conn)
}

// Login dials with a token and consumes the ready and online_users events.
func (e *Env) Login(t *testing.T, token string) *ChatConn {
	t.Helper()
	c := e.Dial(t, token)
	c.Expect(t, "ready")
	c.Expect(t, "online_users")
	return c
}

// DialOrigin connects to url presenting origin.
func DialOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Emit sends an inbound event.
func (c *ChatConn) Emit(t *testing.T, event string, data any) {
	t.Helper()
	if err := c.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// Next returns the next event. It reports errTimeout if none arrives in
// time and the read error once the connection is gone.
func (c *ChatConn) Next(timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case evt := <-c.events:
		return evt, nil
	case <-c.done:
		// Events decoded before the socket failed are still delivered.
		select {
		case evt := <-c.events:
			return evt, nil
		default:
			return Event{}, c.err
		}
	case <-timer.C:
		return Event{}, ErrTimeout
	}
}

// ErrTimeout is returned by Next when no event arrives in time.
var ErrTimeout = errors.New("timed out waiting for event")

// Expect reads the next event and fails unless it is named name.
func (c *ChatConn) Expect(t *testing.T, name string) Event {
	t.Helper()
	evt, err := c.Next(3 * time.Second)
	if err != nil {
		t.Fatalf("Expected %s event: %v", name, err)
	}
	if evt.Name != name {
		t.Fatalf("Expected %s event, got %s: %s", name, evt.Name, evt.Data)
	}
	return evt
}

// ExpectNone asserts that nothing arrives within timeout.
func (c *ChatConn) ExpectNone(t *testing.T, timeout time.Duration) {
	t.Helper()
	evt, err := c.Next(timeout)
	if err == nil {
		t.Fatalf("Expected no event, got %s: %s", evt.Name, evt.Data)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Unexpected error while waiting for absence of events: %v", err)
	}
}

// ExpectClosed drains events until the server closes the connection.
func (c *ChatConn) ExpectClosed(t *testing.T) {
	t.Helper()
	for {
		_, err := c.Next(3 * time.Second)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTimeout) {
			t.Fatal("Expected the server to close the connection")
		}
		return
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}
