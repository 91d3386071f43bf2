package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/storage"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Server is the HTTP and WebSocket front of the chat core.
type Server struct {
	cfg    Config
	log    *slog.Logger
	store  *storage.Store
	tokens *auth.TokenManager

	dir        *chat.Directory
	router     *chat.Router
	dispatcher *chat.Dispatcher
	hub        *Hub

	origins  *originPolicy
	upgrader websocket.Upgrader
	http     *http.Server

	group    errgroup.Group
	mu       sync.Mutex
	listener net.Listener
	started  bool
}

// New wires a server over the store and token manager. Nothing listens until
// Start is called.
func New(cfg Config, store *storage.Store, tokens *auth.TokenManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.sanitize()

	dir := chat.NewDirectory(logger)
	router := chat.NewRouter(store, dir, logger)
	s := &Server{
		cfg:        cfg,
		log:        logger,
		store:      store,
		tokens:     tokens,
		dir:        dir,
		router:     router,
		dispatcher: chat.NewDispatcher(router),
		hub:        NewHub(logger),
		origins:    newOriginPolicy(cfg.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.http = createHTTPServer(cfg.Port, s.Routes())
	return s
}

// createHTTPServer applies production timeouts.
func createHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Directory returns the online directory.
func (s *Server) Directory() *chat.Directory { return s.dir }

// Dispatcher returns the dispatcher used by request handlers.
func (s *Server) Dispatcher() *chat.Dispatcher { return s.dispatcher }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.started = true

	s.group.Go(func() error {
		s.hub.Run()
		return nil
	})
	s.group.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "err", err)
			return err
		}
		return nil
	})

	s.log.Info("server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Port
}

// Shutdown stops accepting requests, closes every live client so each
// session runs its cleanup, and waits for the background goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.log.Info("shutting down http server")
	httpErr := s.http.Shutdown(ctx)
	if httpErr != nil {
		s.log.Warn("http server shutdown error", "err", httpErr)
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	hubErr := s.hub.Shutdown(timeout)

	return errors.Join(httpErr, hubErr, s.group.Wait())
}

// resolvePrincipal verifies a session token and loads its user.
func (s *Server) resolvePrincipal(ctx context.Context, token string) (chat.Principal, error) {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		return chat.Principal{}, err
	}
	p, err := s.store.LoadUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return chat.Principal{}, auth.ErrInvalidToken
		}
		return chat.Principal{}, err
	}
	return p, nil
}
