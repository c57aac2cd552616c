package repository_test

import (
	"context"
	"testing"

	"github.com/marketplace/chat-backend/internal/database/dbtest"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestUsageRepository_EnsureAndIncrement(t *testing.T) {
	repo := repository.NewUsageRepository(dbtest.Open(t))
	ctx := context.Background()

	record, err := repo.Find(ctx, "alice@example.com", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, record)

	err = repo.Increment(ctx, "alice@example.com", "2026-03-01", repository.UsageDelta{Requests: 1}, baseTime)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, repo.EnsureExists(ctx, "alice@example.com", "2026-03-01", baseTime))
	require.NoError(t, repo.EnsureExists(ctx, "alice@example.com", "2026-03-01", baseTime))

	delta := repository.UsageDelta{Requests: 1, PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, Cost: 0.000045}
	require.NoError(t, repo.Increment(ctx, "alice@example.com", "2026-03-01", delta, baseTime))
	require.NoError(t, repo.Increment(ctx, "alice@example.com", "2026-03-01", delta, baseTime))

	record, err = repo.Find(ctx, "alice@example.com", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(2), record.RequestCount)
	assert.Equal(t, int64(200), record.PromptTokens)
	assert.Equal(t, int64(100), record.CompletionTokens)
	assert.Equal(t, int64(300), record.TotalTokens)
	assert.InDelta(t, 0.00009, record.EstimatedCost, 1e-12)
	require.NotNil(t, record.LastRequestDate)

	var rows int64
	require.NoError(t, repo.GetDB().Model(&models.UsageRecord{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
}

func TestUsageRepository_ListByUser(t *testing.T) {
	repo := repository.NewUsageRepository(dbtest.Open(t))
	ctx := context.Background()

	for _, date := range []string{"2026-03-03", "2026-03-01", "2026-03-02", "2026-02-27"} {
		require.NoError(t, repo.EnsureExists(ctx, "alice@example.com", date, baseTime))
	}
	require.NoError(t, repo.EnsureExists(ctx, "bob@example.com", "2026-03-02", baseTime))

	records, err := repo.ListByUser(ctx, "alice@example.com", "2026-03-01", "2026-03-03")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "2026-03-01", records[0].UsageDate)
	assert.Equal(t, "2026-03-03", records[2].UsageDate)
}

func TestUsageRepository_ReserveStopsAtLimit(t *testing.T) {
	repo := repository.NewUsageRepository(dbtest.Open(t))
	ctx := context.Background()

	_, _, err := repo.Reserve(ctx, "alice@example.com", "2026-03-01", 2, baseTime)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, repo.EnsureExists(ctx, "alice@example.com", "2026-03-01", baseTime))

	for want := int64(1); want <= 2; want++ {
		record, ok, err := repo.Reserve(ctx, "alice@example.com", "2026-03-01", 2, baseTime)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, record.RequestCount)
	}

	record, ok, err := repo.Reserve(ctx, "alice@example.com", "2026-03-01", 2, baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), record.RequestCount)

	require.NoError(t, repo.Release(ctx, "alice@example.com", "2026-03-01"))
	require.NoError(t, repo.Release(ctx, "alice@example.com", "2026-03-01"))
	require.NoError(t, repo.Release(ctx, "alice@example.com", "2026-03-01"))

	record, err = repo.Find(ctx, "alice@example.com", "2026-03-01")
	require.NoError(t, err)
	assert.Zero(t, record.RequestCount, "release floors at zero")
}
