package repository

import (
	"context"
	"errors"

	"github.com/marketplace/chat-backend/internal/models"
	"gorm.io/gorm"
)

// aiChatRepository AI会话仓库实现
type aiChatRepository struct {
	db *gorm.DB
}

// NewAIChatRepository 创建AI会话仓库
func NewAIChatRepository(db *gorm.DB) AIChatRepository {
	return &aiChatRepository{db: db}
}

func (r *aiChatRepository) GetDB() *gorm.DB {
	return r.db
}

func (r *aiChatRepository) CreateConversation(ctx context.Context, conv *models.AIConversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

// GetConversation 只返回属于该用户的会话
func (r *aiChatRepository) GetConversation(ctx context.Context, id uint, email string) (*models.AIConversation, error) {
	var conv models.AIConversation
	if err := r.db.WithContext(ctx).Where("id = ? AND user_email = ?", id, email).Take(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// LatestConversation 不存在时返回 nil, nil
func (r *aiChatRepository) LatestConversation(ctx context.Context, email string) (*models.AIConversation, error) {
	var conv models.AIConversation
	err := r.db.WithContext(ctx).Where("user_email = ?", email).Order("id DESC").Take(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// AppendMessage 写入消息并刷新会话摘要
func (r *aiChatRepository) AppendMessage(ctx context.Context, msg *models.AIMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&models.AIConversation{}).
			Where("id = ?", msg.ConversationID).
			Updates(map[string]interface{}{
				"last_message":      msg.Content,
				"last_message_date": msg.CreatedDate,
			}).Error
	})
}

func (r *aiChatRepository) ListMessages(ctx context.Context, conversationID uint, limit int) ([]models.AIMessage, error) {
	var messages []models.AIMessage
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

// RecentMessages 最近 n 条，按时间升序返回
func (r *aiChatRepository) RecentMessages(ctx context.Context, conversationID uint, n int) ([]models.AIMessage, error) {
	var messages []models.AIMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_date DESC").
		Order("id DESC").
		Limit(n).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
