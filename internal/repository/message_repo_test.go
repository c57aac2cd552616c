package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/marketplace/chat-backend/internal/database/dbtest"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRepository_OrderingWithTies(t *testing.T) {
	repo := repository.NewMessageRepository(dbtest.Open(t))
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		require.NoError(t, repo.Create(ctx, &models.Message{
			ConversationID: 1,
			SenderEmail:    "alice@example.com",
			ReceiverEmail:  "bob@example.com",
			Text:           text,
			CreatedDate:    baseTime,
		}))
	}
	require.NoError(t, repo.Create(ctx, &models.Message{
		ConversationID: 1,
		SenderEmail:    "bob@example.com",
		ReceiverEmail:  "alice@example.com",
		Text:           "earliest",
		CreatedDate:    baseTime.Add(-time.Minute),
	}))
	require.NoError(t, repo.Create(ctx, &models.Message{
		ConversationID: 2,
		SenderEmail:    "carol@example.com",
		ReceiverEmail:  "alice@example.com",
		Text:           "elsewhere",
		CreatedDate:    baseTime,
	}))

	messages, err := repo.ListByConversation(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "earliest", messages[0].Text)
	assert.Equal(t, "first", messages[1].Text)
	assert.Equal(t, "second", messages[2].Text)
	assert.Equal(t, "third", messages[3].Text)

	limited, err := repo.ListByConversation(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	count, err := repo.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestMessageRepository_UnreadAndMarkRead(t *testing.T) {
	repo := repository.NewMessageRepository(dbtest.Open(t))
	ctx := context.Background()

	toBob := &models.Message{ConversationID: 1, SenderEmail: "alice@example.com", ReceiverEmail: "bob@example.com", Text: "a", CreatedDate: baseTime}
	toAlice := &models.Message{ConversationID: 1, SenderEmail: "bob@example.com", ReceiverEmail: "alice@example.com", Text: "b", CreatedDate: baseTime}
	require.NoError(t, repo.Create(ctx, toBob))
	require.NoError(t, repo.Create(ctx, toAlice))

	unread, err := repo.ListUnreadFor(ctx, 1, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, toBob.ID, unread[0].ID)

	require.NoError(t, repo.MarkRead(ctx, toBob.ID))
	require.NoError(t, repo.MarkRead(ctx, toBob.ID))

	unread, err = repo.ListUnreadFor(ctx, 1, "bob@example.com")
	require.NoError(t, err)
	assert.Empty(t, unread)

	unread, err = repo.ListUnreadFor(ctx, 1, "alice@example.com")
	require.NoError(t, err)
	assert.Len(t, unread, 1)
}
