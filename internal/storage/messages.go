package storage

import (
	"context"
	"fmt"
	"time"
)

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// ClampHistoryLimit bounds a requested page size to [1, MaxHistoryLimit],
// using DefaultHistoryLimit for non-positive values.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// ListMessages returns up to limit messages of a room created strictly
// before the given time (zero means now), oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID int64, limit int, before time.Time) ([]MessageView, error) {
	q := s.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.room_id, messages.user_id, users.name AS author_name, messages.content, messages.created_at").
		Joins("LEFT JOIN users ON users.id = messages.user_id").
		Where("messages.room_id = ?", roomID)
	if !before.IsZero() {
		q = q.Where("messages.created_at < ?", before.UTC())
	}

	var views []MessageView
	err := q.Order("messages.created_at DESC").Order("messages.id DESC").Limit(ClampHistoryLimit(limit)).Scan(&views).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	for i, j := 0, len(views)-1; i < j; i, j = i+1, j-1 {
		views[i], views[j] = views[j], views[i]
	}
	return views, nil
}
