package models

import "time"

// UsageRecord AI助手每日用量，(user_email, usage_date) 唯一
type UsageRecord struct {
	ID               uint       `gorm:"primaryKey;column:id" json:"id"`
	UserEmail        string     `gorm:"column:user_email;size:255;not null;uniqueIndex:idx_usage_user_date,priority:1" json:"user_email"`
	UsageDate        string     `gorm:"column:usage_date;size:10;not null;uniqueIndex:idx_usage_user_date,priority:2" json:"usage_date"`
	RequestCount     int64      `gorm:"column:request_count;not null;default:0" json:"request_count"`
	PromptTokens     int64      `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	CompletionTokens int64      `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens"`
	TotalTokens      int64      `gorm:"column:total_tokens;not null;default:0" json:"total_tokens"`
	EstimatedCost    float64    `gorm:"column:estimated_cost;not null;default:0" json:"estimated_cost"`
	LastRequestDate  *time.Time `gorm:"column:last_request_date" json:"last_request_date"`
	CreatedDate      time.Time  `gorm:"column:created_date;not null" json:"created_date"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}
