// Package storage is the gorm-backed persistence gateway for users, rooms,
// memberships and messages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique field is already taken.
	ErrDuplicate = errors.New("record already exists")
	// ErrInvalid is returned for input the store refuses to persist.
	ErrInvalid = errors.New("invalid input")
)

// roomNumberAlphabet avoids characters that are easy to confuse when an
// invitation number is read aloud.
const roomNumberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Store provides access to chat storage.
type Store struct {
	db         *gorm.DB
	log        *slog.Logger
	newNumber  func() string
	bcryptCost int
}

// Option configures a Store.
type Option func(*Store)

// WithBcryptCost overrides the bcrypt cost used for new password hashes.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.bcryptCost = cost }
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, log *slog.Logger, opts ...Option) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	// SQLite serializes writers anyway, and an in-memory database only
	// exists on the connection that created it.
	sqlDB.SetMaxOpenConns(1)
	return New(db, log, opts...)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	gen, err := nanoid.CustomASCII(roomNumberAlphabet, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to build room number generator: %w", err)
	}
	s := &Store{
		db:         db,
		log:        log,
		newNumber:  gen,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}, &Room{}, &Membership{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
