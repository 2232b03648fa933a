package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiss96803/dotnetclub/internal/models"
)

// ErrInvalidTopic is returned for an empty or oversized title.
var ErrInvalidTopic = errors.New("topic title must be 1-100 characters")

// TopicServiceProvider defines the interface for topic services.
type TopicServiceProvider interface {
	CreateTopic(ctx context.Context, authorID, title, content string) (models.Topic, error)
	GetRecentTopics(ctx context.Context, limit int) ([]models.Topic, error)
}

// TopicService stores discussion topics.
type TopicService struct {
	db *sql.DB
}

// NewTopicService creates a new TopicService.
func NewTopicService(db *sql.DB) *TopicService {
	return &TopicService{db: db}
}

// CreateTopic stores a new topic written by authorID.
func (s *TopicService) CreateTopic(ctx context.Context, authorID, title, content string) (models.Topic, error) {
	title = strings.TrimSpace(title)
	if title == "" || len([]rune(title)) > 100 {
		return models.Topic{}, ErrInvalidTopic
	}

	topic := models.Topic{
		ID:        uuid.New().String(),
		AuthorID:  authorID,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO topics (id, author_id, title, content, created_at) VALUES (?, ?, ?, ?, ?)",
		topic.ID, topic.AuthorID, topic.Title, topic.Content, topic.CreatedAt.UnixMilli())
	if err != nil {
		return models.Topic{}, fmt.Errorf("failed to insert topic: %w", err)
	}
	return topic, nil
}

// GetRecentTopics returns the newest topics first.
func (s *TopicService) GetRecentTopics(ctx context.Context, limit int) ([]models.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, author_id, title, content, created_at FROM topics ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var (
			topic     models.Topic
			createdAt int64
		)
		if err := rows.Scan(&topic.ID, &topic.AuthorID, &topic.Title, &topic.Content, &createdAt); err != nil {
			return nil, err
		}
		topic.CreatedAt = time.UnixMilli(createdAt).UTC()
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}
