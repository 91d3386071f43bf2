package chat

import "time"

// Outbound event names.
const (
	EventReady          = "ready"
	EventOnlineUsers    = "online_users"
	EventUserOnline     = "user_online"
	EventUserOffline    = "user_offline"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventNewMessage     = "new_message"
	EventUserTyping     = "user_typing"
	EventRoomClosed     = "room_closed"
	EventRoomDeleted    = "room_deleted"
	EventAdminBroadcast = "admin_broadcast"
	EventError          = "error"
)

// Event is one outbound notification. Data is one of the payload types below
// and is encoded by the transport.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Conn is the core's view of one live duplex channel.
//
// Send hands an event to the transport without blocking and reports whether
// it was accepted. A false return means the connection is gone or too slow;
// the transport is responsible for tearing it down.
type Conn interface {
	ID() string
	Send(Event) bool
}

// ReadyPayload acknowledges a successful authentication.
type ReadyPayload struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// Presence summarizes one online principal.
type Presence struct {
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	Role        Role   `json:"role"`
	Connections int    `json:"connections"`
}

// OnlineUsersPayload is the directory snapshot sent after authentication.
type OnlineUsersPayload struct {
	Users []Presence `json:"users"`
}

// UserOnlinePayload announces a principal's first live connection.
type UserOnlinePayload struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// UserOfflinePayload announces a principal's last connection closing.
type UserOfflinePayload struct {
	UserID int64 `json:"user_id"`
}

// MembershipPayload is carried by user_joined and user_left.
type MembershipPayload struct {
	RoomID int64  `json:"room_id"`
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// NewMessagePayload carries a persisted message.
type NewMessagePayload struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"room_id"`
	UserID     int64     `json:"user_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// TypingPayload is carried by user_typing.
type TypingPayload struct {
	RoomID   int64 `json:"room_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// RoomPayload is carried by room_closed and room_deleted.
type RoomPayload struct {
	RoomID int64 `json:"room_id"`
}

// AdminBroadcastPayload is carried by admin_broadcast.
type AdminBroadcastPayload struct {
	Content string `json:"content"`
	UserID  int64  `json:"user_id"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func newMessageEvent(m Message) Event {
	return Event{Name: EventNewMessage, Data: NewMessagePayload{
		ID:         m.ID,
		RoomID:     m.RoomID,
		UserID:     m.AuthorID,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}}
}

// ErrorEvent builds the targeted error event for a failed inbound request.
// Storage and internal failures carry a generic message; their detail
// stays in the server log.
func ErrorEvent(inbound string, err error) Event {
	code := ErrorCode(err)
	msg := err.Error()
	switch code {
	case CodeUnavailable:
		msg = ErrPersistence.Error()
	case CodeInternal:
		msg = "internal error"
	}
	return Event{Name: EventError, Data: ErrorPayload{
		Code:    code,
		Message: msg,
		Event:   inbound,
	}}
}
