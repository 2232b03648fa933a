package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiss96803/dotnetclub/internal/models"
)

const sessionTokenBytes = 32

// SessionServiceProvider defines the interface for the session issuer.
type SessionServiceProvider interface {
	IssueSession(ctx context.Context, user models.User) (string, models.Session, error)
	Resolve(ctx context.Context, token string) (models.User, error)
	Revoke(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// SessionService issues session cookies and resolves them back to users.
type SessionService struct {
	db       *sql.DB
	lifetime time.Duration
	now      func() time.Time
}

// NewSessionService creates a new SessionService whose sessions live for lifetime.
func NewSessionService(db *sql.DB, lifetime time.Duration) *SessionService {
	return &SessionService{db: db, lifetime: lifetime, now: time.Now}
}

// IssueSession creates a session for user and returns the cookie value.
func (s *SessionService) IssueSession(ctx context.Context, user models.User) (string, models.Session, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", models.Session{}, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	session := models.Session{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.lifetime),
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions(id, user_id, token_hash, created_at, expires_at) VALUES(?, ?, ?, ?, ?)",
		session.ID, session.UserID, session.TokenHash, session.CreatedAt.UnixMilli(), session.ExpiresAt.UnixMilli())
	if err != nil {
		return "", models.Session{}, fmt.Errorf("failed to insert session: %w", err)
	}
	return token, session, nil
}

// Resolve returns the user bound to a live session token.
func (s *SessionService) Resolve(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrSessionNotFound
	}

	var (
		user      models.User
		createdAt int64
		expiresAt int64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.created_at, s.expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ?`, hashToken(token))
	if err := row.Scan(&user.ID, &user.Username, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrSessionNotFound
		}
		return models.User{}, fmt.Errorf("failed to query session: %w", err)
	}

	if !s.now().Before(time.UnixMilli(expiresAt)) {
		return models.User{}, ErrSessionNotFound
	}
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	return user, nil
}

// Revoke deletes the session behind token. Unknown tokens are not an error.
func (s *SessionService) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token_hash = ?", hashToken(token))
	return err
}

// PurgeExpired removes every expired session and returns how many were deleted.
func (s *SessionService) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func newSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
