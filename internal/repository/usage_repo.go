package repository

import (
	"context"
	"errors"
	"time"

	"github.com/marketplace/chat-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// usageRepository AI用量仓库实现
type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository 创建用量仓库
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) GetDB() *gorm.DB {
	return r.db
}

func (r *usageRepository) Find(ctx context.Context, email, date string) (*models.UsageRecord, error) {
	var record models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("user_email = ? AND usage_date = ?", email, date).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// EnsureExists 当天第一次请求时创建记录，已存在则什么都不做
func (r *usageRepository) EnsureExists(ctx context.Context, email, date string, now time.Time) error {
	record := &models.UsageRecord{
		UserEmail:   email,
		UsageDate:   date,
		CreatedDate: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_email"}, {Name: "usage_date"}},
			DoNothing: true,
		}).
		Create(record).Error
}

// Increment 所有计数列在同一条 UPDATE 中累加
func (r *usageRepository) Increment(ctx context.Context, email, date string, delta UsageDelta, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("user_email = ? AND usage_date = ?", email, date).
		Updates(map[string]interface{}{
			"request_count":     gorm.Expr("request_count + ?", delta.Requests),
			"prompt_tokens":     gorm.Expr("prompt_tokens + ?", delta.PromptTokens),
			"completion_tokens": gorm.Expr("completion_tokens + ?", delta.CompletionTokens),
			"total_tokens":      gorm.Expr("total_tokens + ?", delta.TotalTokens),
			"estimated_cost":    gorm.Expr("estimated_cost + ?", delta.Cost),
			"last_request_date": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Reserve 条件 UPDATE 保证并发请求不会把 request_count 推过 limit，记录需已存在
func (r *usageRepository) Reserve(ctx context.Context, email, date string, limit int, at time.Time) (*models.UsageRecord, bool, error) {
	res := r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("user_email = ? AND usage_date = ? AND request_count < ?", email, date, limit).
		Updates(map[string]interface{}{
			"request_count":     gorm.Expr("request_count + 1"),
			"last_request_date": at,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	record, err := r.Find(ctx, email, date)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, gorm.ErrRecordNotFound
	}
	return record, res.RowsAffected == 1, nil
}

func (r *usageRepository) Release(ctx context.Context, email, date string) error {
	return r.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("user_email = ? AND usage_date = ? AND request_count > 0", email, date).
		Update("request_count", gorm.Expr("request_count - 1")).Error
}

// ListByUser 报表用，日期为闭区间
func (r *usageRepository) ListByUser(ctx context.Context, email, from, to string) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	err := r.db.WithContext(ctx).
		Where("user_email = ? AND usage_date >= ? AND usage_date <= ?", email, from, to).
		Order("usage_date ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
