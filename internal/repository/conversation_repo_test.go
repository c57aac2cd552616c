package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketplace/chat-backend/internal/database/dbtest"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestConversationRepository_FindBothOrders(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, "alice@example.com", "bob@example.com", baseTime)
	require.NoError(t, err)

	found, err := repo.FindByParticipants(ctx, "bob@example.com", "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "alice@example.com", found.Participant1)

	missing, err := repo.FindByParticipants(ctx, "alice@example.com", "carol@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConversationRepository_CreateIsIdempotentPerPair(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uint, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice@example.com", "bob@example.com"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := repo.Create(ctx, a, b, baseTime)
			errs[i] = err
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int64
	require.NoError(t, repo.GetDB().Model(&models.Conversation{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConversationRepository_ApplyMessageIncrementsReceiverOnly(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	conv, err := repo.Create(ctx, "alice@example.com", "bob@example.com", baseTime)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.ApplyMessage(ctx, conv.ID, models.Slot2, "hi", "alice@example.com", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.ApplyMessage(ctx, conv.ID, models.Slot1, "hey", "bob@example.com", baseTime.Add(5*time.Minute)))

	got, err := repo.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCountP1)
	assert.Equal(t, 3, got.UnreadCountP2)
	assert.Equal(t, "hey", got.LastMessage)
	assert.Equal(t, "bob@example.com", got.LastMessageSender)
	require.NotNil(t, got.LastMessageDate)
	assert.True(t, got.LastMessageDate.Equal(baseTime.Add(5*time.Minute)))

	err = repo.ApplyMessage(ctx, 9999, models.Slot1, "x", "bob@example.com", baseTime)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	assert.Error(t, repo.ApplyMessage(ctx, conv.ID, models.SlotNone, "x", "bob@example.com", baseTime))
}

func TestConversationRepository_ConcurrentIncrementsAreNotLost(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	conv, err := repo.Create(ctx, "alice@example.com", "bob@example.com", baseTime)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.ApplyMessage(ctx, conv.ID, models.Slot1, "ping", "bob@example.com", baseTime))
		}()
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.UnreadCountP1)
}

func TestConversationRepository_ResetUnread(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	conv, err := repo.Create(ctx, "alice@example.com", "bob@example.com", baseTime)
	require.NoError(t, err)

	changed, err := repo.ResetUnread(ctx, conv.ID, models.Slot1)
	require.NoError(t, err)
	assert.False(t, changed, "zero counter is not written")

	require.NoError(t, repo.ApplyMessage(ctx, conv.ID, models.Slot1, "hi", "bob@example.com", baseTime))
	require.NoError(t, repo.ApplyMessage(ctx, conv.ID, models.Slot2, "yo", "alice@example.com", baseTime))

	changed, err = repo.ResetUnread(ctx, conv.ID, models.Slot1)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := repo.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UnreadCountP1)
	assert.Equal(t, 1, got.UnreadCountP2, "other slot untouched")
}

func TestConversationRepository_ListForUserAndSumUnread(t *testing.T) {
	repo := repository.NewConversationRepository(dbtest.Open(t))
	ctx := context.Background()

	older, err := repo.Create(ctx, "alice@example.com", "bob@example.com", baseTime)
	require.NoError(t, err)
	newer, err := repo.Create(ctx, "carol@example.com", "alice@example.com", baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = repo.Create(ctx, "bob@example.com", "carol@example.com", baseTime)
	require.NoError(t, err)

	require.NoError(t, repo.ApplyMessage(ctx, older.ID, models.Slot1, "latest", "bob@example.com", baseTime.Add(time.Hour)))
	require.NoError(t, repo.ApplyMessage(ctx, newer.ID, models.Slot2, "hello", "carol@example.com", baseTime.Add(2*time.Minute)))
	require.NoError(t, repo.ApplyMessage(ctx, newer.ID, models.Slot2, "again", "carol@example.com", baseTime.Add(3*time.Minute)))

	list, err := repo.ListForUser(ctx, "alice@example.com", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID, "most recently active first")
	assert.Equal(t, newer.ID, list[1].ID)

	total, err := repo.SumUnread(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	total, err = repo.SumUnread(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
