package models

import (
	"sort"
	"strings"
	"time"
)

// Slot 会话参与者槽位
type Slot int

const (
	SlotNone Slot = iota
	Slot1
	Slot2
)

// Conversation 两人会话表，每对用户只有一条记录
type Conversation struct {
	ID                uint       `gorm:"primaryKey;column:id" json:"id"`
	Participant1      string     `gorm:"column:participant_1;size:255;not null;index" json:"participant_1"`
	Participant2      string     `gorm:"column:participant_2;size:255;not null;index" json:"participant_2"`
	PairKey           string     `gorm:"column:pair_key;size:512;not null;uniqueIndex" json:"-"`
	LastMessage       string     `gorm:"column:last_message;type:text" json:"last_message"`
	LastMessageDate   *time.Time `gorm:"column:last_message_date;index" json:"last_message_date"`
	LastMessageSender string     `gorm:"column:last_message_sender;size:255" json:"last_message_sender"`
	UnreadCountP1     int        `gorm:"column:unread_count_p1;not null;default:0" json:"unread_count_p1"`
	UnreadCountP2     int        `gorm:"column:unread_count_p2;not null;default:0" json:"unread_count_p2"`
	CreatedDate       time.Time  `gorm:"column:created_date;not null" json:"created_date"`
	UpdatedDate       time.Time  `gorm:"column:updated_date" json:"updated_date"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// PairKey 无序参与者对的唯一键
func PairKey(a, b string) string {
	pair := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// SlotOf 返回用户所在槽位
func (c *Conversation) SlotOf(email string) Slot {
	switch {
	case strings.EqualFold(c.Participant1, email):
		return Slot1
	case strings.EqualFold(c.Participant2, email):
		return Slot2
	default:
		return SlotNone
	}
}

// Other 返回另一位参与者
func (c *Conversation) Other(email string) string {
	switch c.SlotOf(email) {
	case Slot1:
		return c.Participant2
	case Slot2:
		return c.Participant1
	default:
		return ""
	}
}

// UnreadFor 返回该用户自己的未读数
func (c *Conversation) UnreadFor(email string) int {
	switch c.SlotOf(email) {
	case Slot1:
		return c.UnreadCountP1
	case Slot2:
		return c.UnreadCountP2
	default:
		return 0
	}
}

// UnreadColumn 槽位对应的未读计数列
func UnreadColumn(slot Slot) string {
	switch slot {
	case Slot1:
		return "unread_count_p1"
	case Slot2:
		return "unread_count_p2"
	default:
		return ""
	}
}

// Message 会话消息表
type Message struct {
	ID             uint      `gorm:"primaryKey;column:id" json:"id"`
	ConversationID uint      `gorm:"column:conversation_id;not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	SenderEmail    string    `gorm:"column:sender_email;size:255;not null" json:"sender_email"`
	ReceiverEmail  string    `gorm:"column:receiver_email;size:255;not null;index" json:"receiver_email"`
	Text           string    `gorm:"column:message;type:text;not null" json:"message"`
	CreatedDate    time.Time `gorm:"column:created_date;not null;index:idx_messages_conversation_created,priority:2" json:"created_date"`
	IsRead         bool      `gorm:"column:is_read;not null;default:false" json:"is_read"`
}

func (Message) TableName() string {
	return "messages"
}
