package repository

import (
	"context"

	"github.com/marketplace/chat-backend/internal/models"
	"gorm.io/gorm"
)

// messageRepository 消息仓库实现
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建消息仓库
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) GetDB() *gorm.DB {
	return r.db
}

func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// ListByConversation 按 created_date 升序，相同时间按 id 排序
func (r *messageRepository) ListByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	var messages []models.Message
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_date ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageRepository) ListUnreadFor(ctx context.Context, conversationID uint, receiver string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND receiver_email = ? AND is_read = ?", conversationID, receiver, false).
		Order("created_date ASC").
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead 标记已读，已读消息不会被改回
func (r *messageRepository) MarkRead(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND is_read = ?", id, false).
		Update("is_read", true).Error
}

func (r *messageRepository) Count(ctx context.Context, conversationID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&total).Error
	return total, err
}
