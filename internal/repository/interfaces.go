package repository

import (
	"context"
	"time"

	"github.com/marketplace/chat-backend/internal/models"
	"gorm.io/gorm"
)

// Repository 基础仓库接口
type Repository interface {
	GetDB() *gorm.DB
}

// ConversationRepository 两人会话仓库接口
type ConversationRepository interface {
	Repository
	// FindByParticipants 同时检查两种槽位顺序，不存在时返回 nil, nil
	FindByParticipants(ctx context.Context, a, b string) (*models.Conversation, error)
	Create(ctx context.Context, a, b string, now time.Time) (*models.Conversation, error)
	GetByID(ctx context.Context, id uint) (*models.Conversation, error)
	ApplyMessage(ctx context.Context, id uint, receiver models.Slot, text, sender string, at time.Time) error
	ResetUnread(ctx context.Context, id uint, slot models.Slot) (bool, error)
	ListForUser(ctx context.Context, email string, limit int) ([]models.Conversation, error)
	SumUnread(ctx context.Context, email string) (int64, error)
}

// MessageRepository 消息仓库接口
type MessageRepository interface {
	Repository
	Create(ctx context.Context, msg *models.Message) error
	ListByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error)
	ListUnreadFor(ctx context.Context, conversationID uint, receiver string) ([]models.Message, error)
	MarkRead(ctx context.Context, id uint) error
	Count(ctx context.Context, conversationID uint) (int64, error)
}

// UsageDelta 一次计量调用的增量
type UsageDelta struct {
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             float64
}

// UsageRepository AI用量仓库接口
type UsageRepository interface {
	Repository
	// Find 不存在时返回 nil, nil
	Find(ctx context.Context, email, date string) (*models.UsageRecord, error)
	EnsureExists(ctx context.Context, email, date string, now time.Time) error
	Increment(ctx context.Context, email, date string, delta UsageDelta, at time.Time) error
	// Reserve request_count 低于 limit 时原子加一，返回更新后的记录和是否预占成功
	Reserve(ctx context.Context, email, date string, limit int, at time.Time) (*models.UsageRecord, bool, error)
	// Release 退回一次预占，request_count 不低于零
	Release(ctx context.Context, email, date string) error
	ListByUser(ctx context.Context, email, from, to string) ([]models.UsageRecord, error)
}

// UserRepository 用户仓库接口
type UserRepository interface {
	Repository
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	ListAll(ctx context.Context) ([]models.User, error)
	ListByRole(ctx context.Context, role string) ([]models.User, error)
}

// AIChatRepository AI助手会话仓库接口
type AIChatRepository interface {
	Repository
	CreateConversation(ctx context.Context, conv *models.AIConversation) error
	GetConversation(ctx context.Context, id uint, email string) (*models.AIConversation, error)
	LatestConversation(ctx context.Context, email string) (*models.AIConversation, error)
	AppendMessage(ctx context.Context, msg *models.AIMessage) error
	ListMessages(ctx context.Context, conversationID uint, limit int) ([]models.AIMessage, error)
	RecentMessages(ctx context.Context, conversationID uint, n int) ([]models.AIMessage, error)
}
