package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// CreateUser saves a new account with a hashed password.
func (s *Store) CreateUser(ctx context.Context, name, email, password, role string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password required", ErrInvalid)
	}
	if role == "" {
		role = "member"
	}
	if role != "admin" && role != "member" {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
	}

	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}
	user := &User{Name: strings.TrimSpace(name), Email: email, PasswordHash: hash, Role: role}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// FindUser retrieves a user by id.
func (s *Store) FindUser(ctx context.Context, id int64) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// Authenticate checks an email and password pair.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrNotFound
	}
	return &user, nil
}
