package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketplace/chat-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// conversationRepository 会话仓库实现
type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建会话仓库
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) GetDB() *gorm.DB {
	return r.db
}

// FindByParticipants 按两种顺序查找，存在重复记录时返回最早的一条
func (r *conversationRepository) FindByParticipants(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("(participant_1 = ? AND participant_2 = ?) OR (participant_1 = ? AND participant_2 = ?)", a, b, b, a).
		Order("id ASC").
		Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Create 创建会话，并发首次联系时依靠 pair_key 唯一索引只保留一条
func (r *conversationRepository) Create(ctx context.Context, a, b string, now time.Time) (*models.Conversation, error) {
	conv := &models.Conversation{
		Participant1: a,
		Participant2: b,
		PairKey:      models.PairKey(a, b),
		CreatedDate:  now,
		UpdatedDate:  now,
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_key"}},
			DoNothing: true,
		}).
		Create(conv)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return conv, nil
	}

	var existing models.Conversation
	if err := r.db.WithContext(ctx).Where("pair_key = ?", conv.PairKey).Take(&existing).Error; err != nil {
		return nil, fmt.Errorf("reload conversation after conflict: %w", err)
	}
	return &existing, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// ApplyMessage 更新最后一条消息摘要，并原子递增接收方的未读计数
func (r *conversationRepository) ApplyMessage(ctx context.Context, id uint, receiver models.Slot, text, sender string, at time.Time) error {
	column := models.UnreadColumn(receiver)
	if column == "" {
		return fmt.Errorf("invalid receiver slot %d", receiver)
	}

	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_message":        text,
			"last_message_date":   at,
			"last_message_sender": sender,
			"updated_date":        at,
			column:                gorm.Expr(column+" + ?", 1),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ResetUnread 清零槽位未读数，仅在非零时写入；返回是否发生了写入
func (r *conversationRepository) ResetUnread(ctx context.Context, id uint, slot models.Slot) (bool, error) {
	column := models.UnreadColumn(slot)
	if column == "" {
		return false, fmt.Errorf("invalid slot %d", slot)
	}

	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND "+column+" > 0", id).
		Update(column, 0)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListForUser 用户参与的会话，最近活跃的在前
func (r *conversationRepository) ListForUser(ctx context.Context, email string, limit int) ([]models.Conversation, error) {
	var conversations []models.Conversation
	query := r.db.WithContext(ctx).
		Where("participant_1 = ? OR participant_2 = ?", email, email).
		Order("COALESCE(last_message_date, created_date) DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

// SumUnread 用户所有会话的未读总数
func (r *conversationRepository) SumUnread(ctx context.Context, email string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Select("COALESCE(SUM(CASE WHEN participant_1 = ? THEN unread_count_p1 WHEN participant_2 = ? THEN unread_count_p2 ELSE 0 END), 0)", email, email).
		Where("participant_1 = ? OR participant_2 = ?", email, email).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
