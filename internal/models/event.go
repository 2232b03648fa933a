package models

import "time"

// Event is an entry in the account activity log.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`  // e.g., "user.register", "user.signin.fail"
	Level     string    `json:"level"` // e.g., "info", "warn", "error"
	Message   string    `json:"message"`
	UserID    *string   `json:"userId,omitempty"` // Nil when no account could be resolved
	CreatedAt time.Time `json:"createdAt"`
}
