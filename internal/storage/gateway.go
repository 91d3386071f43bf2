package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var _ chat.Gateway = (*Store)(nil)

// LoadUser returns the principal for a user id.
func (s *Store) LoadUser(ctx context.Context, id int64) (chat.Principal, error) {
	user, err := s.FindUser(ctx, id)
	if err != nil {
		return chat.Principal{}, err
	}
	return chat.Principal{ID: user.ID, Name: user.Name, Role: chat.Role(user.Role)}, nil
}

// LoadRoom returns the admission view of a room, or chat.ErrRoomNotFound.
func (s *Store) LoadRoom(ctx context.Context, id int64) (chat.RoomRef, error) {
	room, err := s.FindRoom(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return chat.RoomRef{}, chat.ErrRoomNotFound
		}
		return chat.RoomRef{}, err
	}
	return chat.RoomRef{
		ID:        room.ID,
		Number:    room.Number,
		Type:      chat.RoomType(room.Type),
		Active:    room.IsActive,
		CreatedBy: room.CreatedBy,
	}, nil
}

// IsMember reports whether a membership row exists.
func (s *Store) IsMember(ctx context.Context, userID, roomID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ? AND room_id = ?", userID, roomID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// AddMember records a membership; an existing row is left as is.
func (s *Store) AddMember(ctx context.Context, userID, roomID int64) error {
	m := Membership{UserID: userID, RoomID: roomID}
	err := s.db.WithContext(ctx).Where(Membership{UserID: userID, RoomID: roomID}).FirstOrCreate(&m).Error
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// CheckRoomPassword verifies a password against the room's hash. Rooms
// without a password never match.
func (s *Store) CheckRoomPassword(ctx context.Context, roomID int64, password string) (bool, error) {
	room, err := s.FindRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, chat.ErrRoomNotFound
		}
		return false, err
	}
	if room.PasswordHash == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)) == nil, nil
}

// SetRoomInactive closes a room.
func (s *Store) SetRoomInactive(ctx context.Context, roomID int64) error {
	result := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Update("is_active", false)
	if err := result.Error; err != nil {
		return fmt.Errorf("failed to close room: %w", err)
	}
	if result.RowsAffected == 0 {
		return chat.ErrRoomNotFound
	}
	return nil
}

// DeleteRoom removes a room with its memberships and messages.
func (s *Store) DeleteRoom(ctx context.Context, roomID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&Membership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships: %w", err)
		}
		result := tx.Delete(&Room{}, "id = ?", roomID)
		if err := result.Error; err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		if result.RowsAffected == 0 {
			return chat.ErrRoomNotFound
		}
		return nil
	})
}

// SaveMessage persists a message and returns it with its id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, roomID, authorID int64, content string) (chat.Message, error) {
	msg := Message{
		RoomID:    roomID,
		UserID:    authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return chat.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	return chat.Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		AuthorID:  msg.UserID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}, nil
}
