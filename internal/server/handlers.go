package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/storage"
)

const maxBodyBytes = 1 << 20

var errUnauthorized = errors.New("authentication required")

// authedHandler is a handler that runs for a verified principal.
type authedHandler func(w http.ResponseWriter, r *http.Request, p chat.Principal)

// requireAuth resolves the bearer token before calling next.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, errUnauthorized)
			return
		}
		p, err := s.resolvePrincipal(r.Context(), token)
		if err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r, p)
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// handleWebSocket upgrades the request. A token on the handshake, as a
// bearer header or a token query parameter, is verified before the upgrade;
// without one the client must authenticate in-band.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var handshake *chat.Principal
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token != "" {
		p, err := s.resolvePrincipal(r.Context(), token)
		if err != nil {
			s.log.Info("websocket handshake refused", "remote", r.RemoteAddr, "err", err)
			s.writeError(w, err)
			return
		}
		handshake = &p
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := newClient(conn, s, r.RemoteAddr, handshake)
	if !s.hub.registerClient(client) {
		_ = conn.Close()
	}
}

// handleHealth reports whether the server and its database are reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain")
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "roomchat database unavailable")
		return
	}
	_, _ = fmt.Fprint(w, "roomchat server is running")
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string        `json:"token"`
	User  *storage.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Name, req.Email, req.Password, "member")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respondWithToken(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	user, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: invalid credentials", errUnauthorized)
		}
		s.writeError(w, err)
		return
	}
	s.respondWithToken(w, http.StatusOK, user)
}

func (s *Server) respondWithToken(w http.ResponseWriter, status int, user *storage.User) {
	token, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	user, err := s.store.FindUser(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	rooms, err := s.store.ListActiveRooms(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

type createRoomRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Password string `json:"password"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	var req createRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	room, err := s.store.CreateRoom(r.Context(), storage.CreateRoomParams{
		Name:      req.Name,
		Type:      req.Type,
		Password:  req.Password,
		CreatedBy: p.ID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("room created", "room", room.ID, "user", p.ID)
	writeJSON(w, http.StatusCreated, room)
}

func (s *Server) handleRoomByNumber(w http.ResponseWriter, r *http.Request, _ chat.Principal) {
	room, err := s.store.FindRoomByNumber(r.Context(), r.PathValue("number"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type renameRoomRequest struct {
	Name string `json:"name"`
}

// handleRenameRoom is reserved to the room's creator and admins.
func (s *Server) handleRenameRoom(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	room, err := s.authorizeRoom(r, p, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !p.IsAdmin() && room.CreatedBy != p.ID {
		s.writeError(w, chat.ErrForbidden)
		return
	}
	var req renameRoomRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	renamed, err := s.store.RenameRoom(r.Context(), room.ID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("room renamed", "room", room.ID, "user", p.ID)
	writeJSON(w, http.StatusOK, renamed)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	room, err := s.authorizeRoom(r, p, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dispatcher.CloseRoom(r.Context(), room.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("room closed", "room", room.ID, "user", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	room, err := s.authorizeRoom(r, p, false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.dispatcher.DeleteRoom(r.Context(), room.ID); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("room deleted", "room", room.ID, "user", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	room, err := s.authorizeRoom(r, p, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			s.writeError(w, fmt.Errorf("%w: limit must be a number", chat.ErrInvalidRequest))
			return
		}
	}
	var before time.Time
	if v := q.Get("before"); v != "" {
		if before, err = time.Parse(time.RFC3339Nano, v); err != nil {
			s.writeError(w, fmt.Errorf("%w: before must be an RFC 3339 timestamp", chat.ErrInvalidRequest))
			return
		}
	}

	messages, err := s.store.ListMessages(r.Context(), room.ID, limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// handlePostMessage publishes through the dispatcher so connected members
// see the message exactly as if it had been sent over a socket.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, p chat.Principal) {
	room, err := s.authorizeRoom(r, p, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := s.dispatcher.PublishMessage(r.Context(), room.ID, p, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, storage.MessageView{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		UserID:     msg.AuthorID,
		AuthorName: msg.AuthorName,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	})
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request, _ chat.Principal) {
	writeJSON(w, http.StatusOK, chat.OnlineUsersPayload{Users: s.dir.Snapshot()})
}

// authorizeRoom loads the room named in the path and checks that p may act
// on it: admins, the creator and recorded members always may, and anyone
// may read a public room when allowPublic is set.
func (s *Server) authorizeRoom(r *http.Request, p chat.Principal, allowPublic bool) (*storage.Room, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, chat.ErrInvalidRoomID
	}
	room, err := s.store.FindRoom(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p.IsAdmin() || room.CreatedBy == p.ID || (allowPublic && room.Type == string(chat.RoomPublic)) {
		return room, nil
	}
	member, err := s.store.IsMember(r.Context(), p.ID, room.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, chat.ErrForbidden
	}
	return room, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError answers with the status derived from err. Internal failures
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalid):
		return http.StatusBadRequest
	}

	switch chat.ErrorCode(err) {
	case chat.CodeValidation:
		return http.StatusBadRequest
	case chat.CodeForbidden:
		return http.StatusForbidden
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeRoomClosed:
		return http.StatusConflict
	case chat.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
