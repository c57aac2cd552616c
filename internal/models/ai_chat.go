package models

import "time"

const (
	AIRoleUser      = "user"
	AIRoleAssistant = "assistant"
)

// 助手回复来源
const (
	AISourceModel       = "model"
	AISourceQuickAnswer = "quick_answer"
	AISourceQuota       = "quota"
	AISourceError       = "error"
)

// AIConversation 用户与AI助手的会话（单参与者，无未读计数）
type AIConversation struct {
	ID              uint       `gorm:"primaryKey;column:id" json:"id"`
	UserEmail       string     `gorm:"column:user_email;size:255;not null;index" json:"user_email"`
	Title           string     `gorm:"column:title;size:200" json:"title"`
	LastMessage     string     `gorm:"column:last_message;type:text" json:"last_message"`
	LastMessageDate *time.Time `gorm:"column:last_message_date" json:"last_message_date"`
	CreatedDate     time.Time  `gorm:"column:created_date;not null" json:"created_date"`
}

func (AIConversation) TableName() string {
	return "ai_conversations"
}

// AIMessage AI会话消息
type AIMessage struct {
	ID               uint      `gorm:"primaryKey;column:id" json:"id"`
	ConversationID   uint      `gorm:"column:conversation_id;not null;index" json:"conversation_id"`
	UserEmail        string    `gorm:"column:user_email;size:255;not null" json:"user_email"`
	Role             string    `gorm:"column:role;size:20;not null" json:"role"`
	Content          string    `gorm:"column:content;type:text;not null" json:"content"`
	Source           string    `gorm:"column:source;size:20" json:"source,omitempty"`
	PromptTokens     int       `gorm:"column:prompt_tokens;default:0" json:"prompt_tokens,omitempty"`
	CompletionTokens int       `gorm:"column:completion_tokens;default:0" json:"completion_tokens,omitempty"`
	CreatedDate      time.Time `gorm:"column:created_date;not null" json:"created_date"`
}

func (AIMessage) TableName() string {
	return "ai_messages"
}
