package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/coder/quartz"
	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/realtime"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
)

const defaultMessageLimit = 100

// SnapshotFunc 接收完整的有序消息列表
type SnapshotFunc func(messages []models.Message)

// MessageChannel 消息写入、列表和实时订阅
type MessageChannel struct {
	messages repository.MessageRepository
	ledger   *ConversationLedger
	hub      realtime.Hub
	events   kafka.Publisher
	metrics  *metrics.Metrics
	clock    quartz.Clock
	config   ConfigSource
	logger   *zap.Logger
}

// NewMessageChannel 创建消息通道，events 可以为 nil
func NewMessageChannel(
	messages repository.MessageRepository,
	ledger *ConversationLedger,
	hub realtime.Hub,
	events kafka.Publisher,
	m *metrics.Metrics,
	clock quartz.Clock,
	cfg ConfigSource,
) *MessageChannel {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &MessageChannel{
		messages: messages,
		ledger:   ledger,
		hub:      hub,
		events:   events,
		metrics:  m,
		clock:    clock,
		config:   cfg,
		logger:   logger.Named("message_channel"),
	}
}

func (c *MessageChannel) validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperrors.NewValidationError("message text is empty")
	}
	if max := c.config().Chat.MaxMessageLength; max > 0 && utf8.RuneCountInString(text) > max {
		return "", apperrors.NewValidationError(fmt.Sprintf("message text exceeds %d characters", max))
	}
	return text, nil
}

// Send 先写消息再更新会话摘要。摘要更新失败时消息已经存在，
// 此时同时返回消息和错误，会话的未读数会落后于实际消息。
func (c *MessageChannel) Send(ctx context.Context, conversationID uint, senderEmail, receiverEmail, text string) (*models.Message, error) {
	text, err := c.validateText(text)
	if err != nil {
		return nil, err
	}
	sender, err := requireEmail("sender_email", senderEmail)
	if err != nil {
		return nil, err
	}
	receiver, err := requireEmail("receiver_email", receiverEmail)
	if err != nil {
		return nil, err
	}

	conv, err := c.ledger.GetForParticipant(ctx, conversationID, sender)
	if err != nil {
		return nil, err
	}
	if conv.Other(sender) != receiver {
		return nil, apperrors.NewValidationError("receiver is not the other participant of this conversation")
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderEmail:    sender,
		ReceiverEmail:  receiver,
		Text:           text,
		CreatedDate:    c.clock.Now().UTC(),
		IsRead:         false,
	}
	if err := c.messages.Create(ctx, msg); err != nil {
		c.metrics.MessagesSent.WithLabelValues(metrics.StatusError).Inc()
		return nil, fmt.Errorf("create message: %w", err)
	}

	if err := c.ledger.ApplyMessageSent(ctx, conv, sender, text); err != nil {
		c.metrics.MessagesSent.WithLabelValues(metrics.StatusError).Inc()
		c.logger.Error("Message stored but conversation summary is stale",
			zap.Uint("conversation_id", conv.ID),
			zap.Uint("message_id", msg.ID),
			zap.Error(err))
		c.notify(ctx, conv.ID)
		return msg, err
	}

	c.metrics.MessagesSent.WithLabelValues(metrics.StatusOK).Inc()
	c.notify(ctx, conv.ID)
	publishEvent(ctx, c.events, &kafka.ChatEvent{
		Type:           kafka.EventMessageSent,
		ConversationID: conv.ID,
		Sender:         sender,
		Receiver:       receiver,
		Preview:        kafka.Preview(text),
		At:             msg.CreatedDate,
	})
	return msg, nil
}

func (c *MessageChannel) notify(ctx context.Context, conversationID uint) {
	if c.hub == nil {
		return
	}
	if err := c.hub.Publish(ctx, conversationID); err != nil {
		c.logger.Warn("Publish conversation change failed", zap.Uint("conversation_id", conversationID), zap.Error(err))
	}
}

// List 最早的 limit 条消息，按 created_date 升序；limit<=0 时使用配置的默认值
func (c *MessageChannel) List(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = c.config().Chat.MessageLimit
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	messages, err := c.messages.ListByConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// snapshot 会话的全部消息，不受 List 的条数限制
func (c *MessageChannel) snapshot(ctx context.Context, conversationID uint) ([]models.Message, error) {
	messages, err := c.messages.ListByConversation(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return messages, nil
}

// Subscribe 立即推送一次当前列表，之后每次会话变化都推送完整列表。
// 返回的取消函数会等待正在执行的回调结束。
func (c *MessageChannel) Subscribe(ctx context.Context, conversationID uint, callback SnapshotFunc) (func(), error) {
	if c.hub == nil {
		return nil, fmt.Errorf("realtime hub not configured")
	}

	ctx, cancelCtx := context.WithCancel(ctx)
	notifications, unsubscribe, err := c.hub.Subscribe(ctx, conversationID)
	if err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe conversation %d: %w", conversationID, err)
	}
	c.metrics.ActiveSubscriptions.Inc()

	deliver := func() {
		messages, err := c.snapshot(ctx, conversationID)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("Load snapshot failed", zap.Uint("conversation_id", conversationID), zap.Error(err))
			}
			return
		}
		callback(messages)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancelCtx()
			unsubscribe()
			wg.Wait()
			c.metrics.ActiveSubscriptions.Dec()
		})
	}, nil
}
