package server

import "net/http"

// Routes returns the HTTP handler with every application route.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /me", s.requireAuth(s.handleMe))

	mux.HandleFunc("GET /rooms", s.requireAuth(s.handleListRooms))
	mux.HandleFunc("POST /rooms", s.requireAuth(s.handleCreateRoom))
	mux.HandleFunc("PUT /rooms/{id}", s.requireAuth(s.handleRenameRoom))
	mux.HandleFunc("POST /rooms/{id}/close", s.requireAuth(s.handleCloseRoom))
	mux.HandleFunc("DELETE /rooms/{id}", s.requireAuth(s.handleDeleteRoom))
	mux.HandleFunc("GET /rooms/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("POST /rooms/{id}/messages", s.requireAuth(s.handlePostMessage))
	mux.HandleFunc("GET /invites/{number}", s.requireAuth(s.handleRoomByNumber))
	mux.HandleFunc("GET /online", s.requireAuth(s.handleOnline))
	return mux
}
