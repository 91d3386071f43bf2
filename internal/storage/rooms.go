package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// CreateRoomParams describes a new room.
type CreateRoomParams struct {
	Name      string
	Type      string
	Password  string
	CreatedBy int64
}

// CreateRoom saves a new room, mints its invitation number and records the
// creator as its first member. Private rooms require a password.
func (s *Store) CreateRoom(ctx context.Context, p CreateRoomParams) (*Room, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalid)
	}
	typ := p.Type
	if typ == "" {
		typ = "public"
	}
	if typ != "public" && typ != "private" {
		return nil, fmt.Errorf("%w: unknown room type %q", ErrInvalid, typ)
	}
	if typ == "private" && p.Password == "" {
		return nil, fmt.Errorf("%w: private rooms need a password", ErrInvalid)
	}

	room := &Room{
		Number:    s.newNumber(),
		Name:      name,
		Type:      typ,
		IsActive:  true,
		CreatedBy: p.CreatedBy,
	}
	if p.Password != "" {
		hash, err := s.hash(p.Password)
		if err != nil {
			return nil, err
		}
		room.PasswordHash = hash
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create(&Membership{UserID: p.CreatedBy, RoomID: room.ID}).Error
	})
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	return room, nil
}

// FindRoom retrieves a room by id.
func (s *Store) FindRoom(ctx context.Context, id int64) (*Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

// FindRoomByNumber retrieves a room by its invitation number.
func (s *Store) FindRoomByNumber(ctx context.Context, number string) (*Room, error) {
	var room Room
	err := s.db.WithContext(ctx).First(&room, "number = ?", strings.ToUpper(strings.TrimSpace(number))).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find room: %w", err)
	}
	return &room, nil
}

// ListActiveRooms returns active rooms ordered by name, flagged with the
// user's membership.
func (s *Store) ListActiveRooms(ctx context.Context, userID int64) ([]RoomListing, error) {
	var rooms []Room
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("name ASC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	var joined []int64
	err := s.db.WithContext(ctx).Model(&Membership{}).Where("user_id = ?", userID).Pluck("room_id", &joined).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	member := make(map[int64]bool, len(joined))
	for _, id := range joined {
		member[id] = true
	}

	out := make([]RoomListing, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomListing{Room: r, IsMember: member[r.ID]})
	}
	return out, nil
}

// RenameRoom changes a room's name and returns the updated room.
func (s *Store) RenameRoom(ctx context.Context, id int64, name string) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalid)
	}

	result := s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", id).Update("name", name)
	if err := result.Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to rename room: %w", err)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return s.FindRoom(ctx, id)
}
