package chat

import (
	"context"
	"log/slog"
	"sync"
)

// State is the lifecycle state of a Session.
type State int

// Session states. Closed is terminal.
const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one connection through connect, authentication, room
// traffic and disconnect. All router and directory updates for the
// connection go through it.
type Session struct {
	conn   Conn
	router *Router
	dir    *Directory
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	principal Principal

	closeOnce sync.Once
}

// NewSession returns a session in the Connected state.
func NewSession(conn Conn, router *Router, dir *Directory, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		router: router,
		dir:    dir,
		log:    logger.With("conn", conn.ID()),
	}
}

// Conn returns the connection handle.
func (s *Session) Conn() Conn { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal returns the bound principal and whether one is bound.
func (s *Session) Principal() (Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal, s.state == StateAuthenticated
}

// Authenticate binds an already verified principal, registers the
// connection in the directory and sends ready followed by online_users.
func (s *Session) Authenticate(p Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateAuthenticated:
		return nil
	}

	s.principal = p
	s.state = StateAuthenticated
	// Registration happens under s.mu so a concurrent Close cannot
	// unregister before the register lands. The directory sends ready and
	// online_users itself, ahead of any later presence event.
	s.dir.Welcome(p, s.conn)
	s.log.Info("session authenticated", "user", p.ID)
	return nil
}

func (s *Session) authenticated() (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		return s.principal, nil
	case StateClosed:
		return Principal{}, ErrSessionClosed
	default:
		return Principal{}, ErrNotAuthenticated
	}
}

// JoinRoom subscribes the connection to a room.
func (s *Session) JoinRoom(ctx context.Context, roomID int64, password string) error {
	p, err := s.authenticated()
	if err != nil {
		return err
	}
	if err := s.router.Join(ctx, s.conn, p, roomID, password); err != nil {
		return err
	}

	// A Close that ran while the join was in flight has already swept the
	// router; undo the late subscription.
	if s.State() == StateClosed {
		s.router.Leave(s.conn, roomID)
		return ErrSessionClosed
	}
	return nil
}

// LeaveRoom unsubscribes the connection. Leaving a room that was never
// joined, or no longer exists, is not an error.
func (s *Session) LeaveRoom(roomID int64) error {
	if _, err := s.authenticated(); err != nil {
		return err
	}
	if roomID <= 0 {
		return ErrInvalidRoomID
	}
	s.router.Leave(s.conn, roomID)
	return nil
}

// SendMessage publishes content to a room the connection has joined.
func (s *Session) SendMessage(ctx context.Context, roomID int64, content string) (Message, error) {
	p, err := s.authenticated()
	if err != nil {
		return Message{}, err
	}
	if roomID <= 0 {
		return Message{}, ErrInvalidRoomID
	}
	if !s.router.Subscribed(s.conn.ID(), roomID) {
		// A room deleted since the join reports not found rather than
		// a missing subscription.
		if _, err := s.router.LoadRoom(ctx, roomID); err != nil {
			return Message{}, err
		}
		return Message{}, ErrNotSubscribed
	}
	return s.router.PublishMessage(ctx, roomID, p, content)
}

// Typing relays a typing indicator to the other members of a room.
func (s *Session) Typing(roomID int64, isTyping bool) error {
	if _, err := s.authenticated(); err != nil {
		return err
	}
	s.router.BroadcastTyping(s.conn, roomID, isTyping)
	return nil
}

// AdminBroadcast sends content to every live connection if the bound
// principal is an admin. Non-admin attempts are dropped without error.
func (s *Session) AdminBroadcast(content string) error {
	p, err := s.authenticated()
	if err != nil {
		return err
	}
	s.router.BroadcastAdmin(p, content)
	return nil
}

// Close moves the session to Closed and, if it was authenticated, removes
// the connection from every room and from the directory. It is safe to call
// from several goroutines; the cleanup runs exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		p := s.principal
		s.state = StateClosed
		s.mu.Unlock()

		if prev != StateAuthenticated {
			s.log.Debug("session closed before authentication")
			return
		}

		left := s.router.LeaveAll(s.conn)
		s.dir.Unregister(p, s.conn)
		s.log.Info("session closed", "user", p.ID, "rooms_left", len(left))
	})
}
