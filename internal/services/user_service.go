package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/kiss96803/dotnetclub/internal/models"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// UserServiceProvider defines the interface for the credential store.
type UserServiceProvider interface {
	Register(ctx context.Context, username, password string) (models.User, error)
	Verify(ctx context.Context, username, password string) (models.User, error)
	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	Exists(ctx context.Context, username string) (bool, error)
}

// UserService stores accounts and checks their credentials.
type UserService struct {
	db   *sql.DB
	cost int
	// dummyHash is compared against when the username is unknown so both
	// failure paths of Verify cost one bcrypt comparison.
	dummyHash []byte
}

// NewUserService creates a new UserService hashing at the given bcrypt cost.
func NewUserService(db *sql.DB, cost int) (*UserService, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("dummy-password-0"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &UserService{db: db, cost: cost, dummyHash: dummy}, nil
}

// ValidateUsername applies the minimal username policy.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidatePassword applies the minimal password policy.
func ValidatePassword(password string) error {
	if len(password) < 6 || len(password) > 20 {
		return ErrInvalidPassword
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return ErrInvalidPassword
	}
	return nil
}

// Register creates a new user, hashing their password. The unique index on
// username decides races between concurrent registrations.
func (s *UserService) Register(ctx context.Context, username, password string) (models.User, error) {
	if err := ValidateUsername(username); err != nil {
		return models.User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return models.User{}, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := models.User{
		ID:        uuid.New().String(),
		Username:  username,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users(id, username, password_hash, created_at) VALUES(?, ?, ?, ?)",
		user.ID, user.Username, string(hashedPassword), user.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrDuplicateUsername
		}
		return models.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// Verify checks a username/password pair and returns the matching user.
func (s *UserService) Verify(ctx context.Context, username, password string) (models.User, error) {
	user, err := s.getUser(ctx, "username", username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}

	user.PasswordHash = ""
	return user, nil
}

// GetUserByID retrieves a single user by their ID.
func (s *UserService) GetUserByID(ctx context.Context, id string) (models.User, error) {
	user, err := s.getUser(ctx, "id", id)
	user.PasswordHash = ""
	return user, err
}

// GetUserByUsername retrieves a single user by their username.
func (s *UserService) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	user, err := s.getUser(ctx, "username", username)
	user.PasswordHash = ""
	return user, err
}

// Exists reports whether username is already registered. The match is exact.
func (s *UserService) Exists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)", username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return exists, nil
}

// getUser loads a user including the password hash. column is never user input.
func (s *UserService) getUser(ctx context.Context, column, value string) (models.User, error) {
	var (
		user      models.User
		createdAt int64
	)
	row := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE "+column+" = ?", value)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
