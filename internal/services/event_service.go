package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/kiss96803/dotnetclub/internal/models"
)

// Account event types.
const (
	EventUserRegister      = "user.register"
	EventUserSigninSuccess = "user.signin.success"
	EventUserSigninFail    = "user.signin.fail"
	EventUserSignout       = "user.signout"
)

// EventServiceProvider defines the interface for event services.
type EventServiceProvider interface {
	CreateEvent(ctx context.Context, eventType, level, message string, userID *string) error
	GetUserEvents(ctx context.Context, userID string, limit int) ([]models.Event, error)
}

// EventService records account activity.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// CreateEvent logs a new event to the database.
func (s *EventService) CreateEvent(ctx context.Context, eventType, level, message string, userID *string) error {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Level:     level,
		Message:   message,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, type, level, message, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		event.ID, event.Type, event.Level, event.Message, event.UserID, event.CreatedAt.UnixMilli())
	return err
}

// GetUserEvents retrieves the most recent events recorded for a user.
func (s *EventService) GetUserEvents(ctx context.Context, userID string, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, type, level, message, user_id, created_at FROM events WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			event     models.Event
			userID    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &userID, &createdAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			event.UserID = &userID.String
		}
		event.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}
