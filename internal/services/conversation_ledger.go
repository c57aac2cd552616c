package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConversationLedger 两人会话及其未读计数
type ConversationLedger struct {
	conversations repository.ConversationRepository
	clock         quartz.Clock
	logger        *zap.Logger
}

// NewConversationLedger 创建会话账本
func NewConversationLedger(conversations repository.ConversationRepository, clock quartz.Clock) *ConversationLedger {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &ConversationLedger{
		conversations: conversations,
		clock:         clock,
		logger:        logger.Named("conversation_ledger"),
	}
}

// FindConversation 两种槽位顺序都查，不存在时返回 nil, nil
func (l *ConversationLedger) FindConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	a, b := NormalizeEmail(userA), NormalizeEmail(userB)
	conv, err := l.conversations.FindByParticipants(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation 创建会话，两个未读计数都从零开始；该用户对已有会话时返回已有的那条
func (l *ConversationLedger) CreateConversation(ctx context.Context, participantA, participantB string) (*models.Conversation, error) {
	a, err := requireEmail("participant_1", participantA)
	if err != nil {
		return nil, err
	}
	b, err := requireEmail("participant_2", participantB)
	if err != nil {
		return nil, err
	}
	if a == b {
		return nil, apperrors.NewValidationError("cannot start a conversation with yourself")
	}

	conv, err := l.conversations.Create(ctx, a, b, l.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	l.logger.Debug("Conversation ready", zap.Uint("conversation_id", conv.ID))
	return conv, nil
}

// FindOrCreate 首次发消息时才创建会话
func (l *ConversationLedger) FindOrCreate(ctx context.Context, userA, userB string) (*models.Conversation, bool, error) {
	conv, err := l.FindConversation(ctx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	if conv != nil {
		return conv, false, nil
	}

	conv, err = l.CreateConversation(ctx, userA, userB)
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetForParticipant 只有会话参与者才能访问
func (l *ConversationLedger) GetForParticipant(ctx context.Context, conversationID uint, email string) (*models.Conversation, error) {
	conv, err := l.conversations.GetByID(ctx, conversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("Conversation")
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", conversationID, err)
	}
	if conv.SlotOf(NormalizeEmail(email)) == models.SlotNone {
		return nil, apperrors.NewPermissionDeniedError("not a participant of this conversation")
	}
	return conv, nil
}

// ApplyMessageSent 更新最后一条消息摘要，接收方未读数原子加一
func (l *ConversationLedger) ApplyMessageSent(ctx context.Context, conv *models.Conversation, senderEmail, messageText string) error {
	sender := NormalizeEmail(senderEmail)
	var receiver models.Slot
	switch conv.SlotOf(sender) {
	case models.Slot1:
		receiver = models.Slot2
	case models.Slot2:
		receiver = models.Slot1
	default:
		return apperrors.NewPermissionDeniedError("sender is not a participant of this conversation")
	}

	now := l.clock.Now().UTC()
	if err := l.conversations.ApplyMessage(ctx, conv.ID, receiver, messageText, sender, now); err != nil {
		return fmt.Errorf("apply message to conversation %d: %w", conv.ID, err)
	}

	conv.LastMessage = messageText
	conv.LastMessageDate = &now
	conv.LastMessageSender = sender
	conv.UpdatedDate = now
	if receiver == models.Slot1 {
		conv.UnreadCountP1++
	} else {
		conv.UnreadCountP2++
	}
	return nil
}

// ApplyRead 清零读者自己的未读数；计数已为零时不写入，返回是否发生了清零
func (l *ConversationLedger) ApplyRead(ctx context.Context, conv *models.Conversation, readerEmail string) (bool, error) {
	slot := conv.SlotOf(NormalizeEmail(readerEmail))
	if slot == models.SlotNone {
		return false, apperrors.NewPermissionDeniedError("reader is not a participant of this conversation")
	}

	changed, err := l.conversations.ResetUnread(ctx, conv.ID, slot)
	if err != nil {
		return false, fmt.Errorf("reset unread for conversation %d: %w", conv.ID, err)
	}

	if slot == models.Slot1 {
		conv.UnreadCountP1 = 0
	} else {
		conv.UnreadCountP2 = 0
	}
	return changed, nil
}
