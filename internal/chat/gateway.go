package chat

import (
	"context"
	"time"
)

// Role is the authorization role of a principal.
type Role string

// Roles known to the core.
const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// RoomType distinguishes rooms anyone may enter from password-protected ones.
type RoomType string

// Room types.
const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

// Principal is an authenticated user identity, cached by value on a session
// for the life of the connection.
type Principal struct {
	ID   int64
	Name string
	Role Role
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// RoomRef is the subset of a persisted room the core needs for admission.
type RoomRef struct {
	ID        int64
	Number    string
	Type      RoomType
	Active    bool
	CreatedBy int64
}

// Message is a persisted chat message.
type Message struct {
	ID         int64
	RoomID     int64
	AuthorID   int64
	AuthorName string
	Content    string
	CreatedAt  time.Time
}

// Gateway is the durable store the core depends on. Implementations return
// ErrRoomNotFound (or an error wrapping it) when a room does not exist.
type Gateway interface {
	LoadUser(ctx context.Context, id int64) (Principal, error)
	LoadRoom(ctx context.Context, id int64) (RoomRef, error)
	IsMember(ctx context.Context, userID, roomID int64) (bool, error)
	AddMember(ctx context.Context, userID, roomID int64) error
	CheckRoomPassword(ctx context.Context, roomID int64, password string) (bool, error)
	SetRoomInactive(ctx context.Context, roomID int64) error
	DeleteRoom(ctx context.Context, roomID int64) error
	SaveMessage(ctx context.Context, roomID, authorID int64, content string) (Message, error)
}
