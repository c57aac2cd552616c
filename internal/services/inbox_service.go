package services

import (
	"context"
	"fmt"

	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
)

// InboxEntry 会话列表中的一项，未读数只显示当前用户自己的
type InboxEntry struct {
	Conversation models.Conversation `json:"conversation"`
	Other        string              `json:"other_participant"`
	Unread       int                 `json:"unread"`
}

// InboxService 会话列表、未读角标、发起会话
type InboxService struct {
	conversations repository.ConversationRepository
	users         repository.UserRepository
	ledger        *ConversationLedger
	channel       *MessageChannel
}

// NewInboxService 创建收件箱服务
func NewInboxService(
	conversations repository.ConversationRepository,
	users repository.UserRepository,
	ledger *ConversationLedger,
	channel *MessageChannel,
) *InboxService {
	return &InboxService{
		conversations: conversations,
		users:         users,
		ledger:        ledger,
		channel:       channel,
	}
}

// ListConversations 最近活跃的会话在前
func (s *InboxService) ListConversations(ctx context.Context, userEmail string, limit int) ([]InboxEntry, error) {
	email, err := requireEmail("user_email", userEmail)
	if err != nil {
		return nil, err
	}

	conversations, err := s.conversations.ListForUser(ctx, email, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	entries := make([]InboxEntry, 0, len(conversations))
	for i := range conversations {
		conv := conversations[i]
		entries = append(entries, InboxEntry{
			Conversation: conv,
			Other:        conv.Other(email),
			Unread:       conv.UnreadFor(email),
		})
	}
	return entries, nil
}

// UnreadTotal 所有会话中当前用户的未读总数
func (s *InboxService) UnreadTotal(ctx context.Context, userEmail string) (int64, error) {
	email, err := requireEmail("user_email", userEmail)
	if err != nil {
		return 0, err
	}
	total, err := s.conversations.SumUnread(ctx, email)
	if err != nil {
		return 0, fmt.Errorf("sum unread: %w", err)
	}
	return total, nil
}

// StartConversation 发送第一条消息时才创建会话；已有会话时直接追加
func (s *InboxService) StartConversation(ctx context.Context, fromEmail, toEmail, text string) (*models.Conversation, *models.Message, error) {
	from, err := requireEmail("sender_email", fromEmail)
	if err != nil {
		return nil, nil, err
	}
	to, err := requireEmail("receiver_email", toEmail)
	if err != nil {
		return nil, nil, err
	}
	if from == to {
		return nil, nil, apperrors.NewValidationError("cannot start a conversation with yourself")
	}
	if _, err := s.channel.validateText(text); err != nil {
		return nil, nil, err
	}

	conv, _, err := s.ledger.FindOrCreate(ctx, from, to)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.channel.Send(ctx, conv.ID, from, to, text)
	return conv, msg, err
}

// ContactSupport 给管理员发消息，按 role 索引取第一个管理员
func (s *InboxService) ContactSupport(ctx context.Context, fromEmail, text string) (*models.Conversation, *models.Message, error) {
	admins, err := s.users.ListByRole(ctx, models.RoleAdmin)
	if err != nil {
		return nil, nil, fmt.Errorf("list admins: %w", err)
	}
	if len(admins) == 0 {
		return nil, nil, apperrors.NewNotFoundError("Support contact")
	}
	return s.StartConversation(ctx, fromEmail, admins[0].Email, text)
}
