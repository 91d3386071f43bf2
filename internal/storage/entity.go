package storage

import "time"

// User is a registered account.
type User struct {
	ID           int64     `gorm:"primarykey" json:"id"`
	Name         string    `gorm:"size:120" json:"name"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Role         string    `gorm:"size:16;not null;default:member" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// Room is a chat room.
type Room struct {
	ID           int64     `gorm:"primarykey" json:"id"`
	Number       string    `gorm:"size:32;uniqueIndex;not null" json:"room_number"`
	Name         string    `gorm:"size:120;uniqueIndex;not null" json:"name"`
	Type         string    `gorm:"size:16;not null;default:public" json:"type"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedBy    int64     `gorm:"not null;index" json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the table name for Room model.
func (Room) TableName() string {
	return "rooms"
}

// Membership records that a user belongs to a room.
type Membership struct {
	ID       int64     `gorm:"primarykey"`
	UserID   int64     `gorm:"not null;uniqueIndex:uq_user_room"`
	RoomID   int64     `gorm:"not null;uniqueIndex:uq_user_room;index"`
	JoinedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for Membership model.
func (Membership) TableName() string {
	return "room_memberships"
}

// Message is a persisted chat message.
type Message struct {
	ID        int64     `gorm:"primarykey" json:"id"`
	RoomID    int64     `gorm:"not null;index:ix_room_created,priority:1" json:"room_id"`
	UserID    int64     `gorm:"not null;index" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index:ix_room_created,priority:2" json:"created_at"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}

// RoomListing is a room as shown to one user.
type RoomListing struct {
	Room
	IsMember bool `json:"is_member"`
}

// MessageView is a message joined with its author.
type MessageView struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"room_id"`
	UserID     int64     `json:"user_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
