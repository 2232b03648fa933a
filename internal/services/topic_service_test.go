package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicService(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	users := newTestUserService(t, db)
	topics := NewTopicService(db)

	author, err := users.Register(ctx, "writer", "11111a")
	require.NoError(t, err)

	_, err = topics.CreateTopic(ctx, author.ID, "first", "hello")
	require.NoError(t, err)
	second, err := topics.CreateTopic(ctx, author.ID, "  second  ", "")
	require.NoError(t, err)
	assert.Equal(t, "second", second.Title)

	recent, err := topics.GetRecentTopics(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].Title)
	assert.Equal(t, author.ID, recent[1].AuthorID)

	_, err = topics.CreateTopic(ctx, author.ID, "   ", "x")
	assert.ErrorIs(t, err, ErrInvalidTopic)
	_, err = topics.CreateTopic(ctx, author.ID, strings.Repeat("t", 101), "x")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}
