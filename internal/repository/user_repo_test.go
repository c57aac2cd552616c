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

func TestUserRepository(t *testing.T) {
	repo := repository.NewUserRepository(dbtest.Open(t))
	ctx := context.Background()

	users := []models.User{
		{Email: "admin@example.com", Role: models.RoleAdmin},
		{Email: "alice@example.com", Role: models.RoleUser},
		{Email: "bob@example.com", Role: models.RoleUser},
	}
	for i := range users {
		users[i].CreatedDate = baseTime
		require.NoError(t, repo.Create(ctx, &users[i]))
	}

	assert.Error(t, repo.Create(ctx, &models.User{Email: "alice@example.com", Role: models.RoleUser, CreatedDate: baseTime}))

	found, err := repo.FindByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.IsAdmin())

	missing, err := repo.FindByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	admins, err := repo.ListByRole(ctx, models.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "admin@example.com", admins[0].Email)
}

func TestAIChatRepository(t *testing.T) {
	repo := repository.NewAIChatRepository(dbtest.Open(t))
	ctx := context.Background()

	latest, err := repo.LatestConversation(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Nil(t, latest)

	conv := &models.AIConversation{UserEmail: "alice@example.com", Title: "Assistant", CreatedDate: baseTime}
	require.NoError(t, repo.CreateConversation(ctx, conv))

	for i, content := range []string{"q1", "a1", "q2", "a2"} {
		role := models.AIRoleUser
		if i%2 == 1 {
			role = models.AIRoleAssistant
		}
		require.NoError(t, repo.AppendMessage(ctx, &models.AIMessage{
			ConversationID: conv.ID,
			UserEmail:      "alice@example.com",
			Role:           role,
			Content:        content,
			CreatedDate:    baseTime.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := repo.GetConversation(ctx, conv.ID, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.LastMessage)

	_, err = repo.GetConversation(ctx, conv.ID, "bob@example.com")
	assert.Error(t, err)

	recent, err := repo.RecentMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q2", recent[0].Content)
	assert.Equal(t, "a2", recent[1].Content)

	all, err := repo.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	latest, err = repo.LatestConversation(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, conv.ID, latest.ID)
}
