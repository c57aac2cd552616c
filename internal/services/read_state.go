package services

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/realtime"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
)

// ReadStateTracker 已读标记与未读清零
type ReadStateTracker struct {
	ledger   *ConversationLedger
	messages repository.MessageRepository
	hub      realtime.Hub
	events   kafka.Publisher
	metrics  *metrics.Metrics
	clock    quartz.Clock
	config   ConfigSource
	logger   *zap.Logger
}

// NewReadStateTracker 创建已读状态跟踪器，已读变化通过 hub 推给订阅者
func NewReadStateTracker(
	ledger *ConversationLedger,
	messages repository.MessageRepository,
	hub realtime.Hub,
	events kafka.Publisher,
	m *metrics.Metrics,
	clock quartz.Clock,
	cfg ConfigSource,
) *ReadStateTracker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &ReadStateTracker{
		ledger:   ledger,
		messages: messages,
		hub:      hub,
		events:   events,
		metrics:  m,
		clock:    clock,
		config:   cfg,
		logger:   logger.Named("read_state"),
	}
}

// AutoMarkRead 订阅期间收到的新消息是否自动标记已读
func (t *ReadStateTracker) AutoMarkRead() bool {
	return t.config().Chat.AutoMarkRead
}

// OnConversationOpened 打开会话时，读者未读数非零则清零
func (t *ReadStateTracker) OnConversationOpened(ctx context.Context, conversationID uint, readerEmail string) (bool, error) {
	reader := NormalizeEmail(readerEmail)
	conv, err := t.ledger.GetForParticipant(ctx, conversationID, reader)
	if err != nil {
		return false, err
	}
	if conv.UnreadFor(reader) == 0 {
		return false, nil
	}
	changed, err := t.applyRead(ctx, conv, reader)
	if changed {
		t.notify(ctx, conv.ID)
	}
	return changed, err
}

// MarkMessagesRead 逐条标记发给读者的未读消息，有任何一条时清零读者未读数。
// 重复调用结果相同。
func (t *ReadStateTracker) MarkMessagesRead(ctx context.Context, conversationID uint, readerEmail string) (int, error) {
	reader := NormalizeEmail(readerEmail)
	conv, err := t.ledger.GetForParticipant(ctx, conversationID, reader)
	if err != nil {
		return 0, err
	}

	unread, err := t.messages.ListUnreadFor(ctx, conversationID, reader)
	if err != nil {
		return 0, fmt.Errorf("list unread messages: %w", err)
	}

	marked := 0
	for _, msg := range unread {
		if err := t.messages.MarkRead(ctx, msg.ID); err != nil {
			if marked > 0 {
				t.notify(ctx, conv.ID)
			}
			return marked, fmt.Errorf("mark message %d read: %w", msg.ID, err)
		}
		marked++
	}
	if marked == 0 {
		return 0, nil
	}

	_, err = t.applyRead(ctx, conv, reader)
	t.notify(ctx, conv.ID)
	return marked, err
}

// OnSnapshot 订阅推送回调中调用，策略开启且存在发给读者的未读消息时标记已读
func (t *ReadStateTracker) OnSnapshot(ctx context.Context, conversationID uint, readerEmail string, messages []models.Message) {
	if !t.AutoMarkRead() {
		return
	}

	reader := NormalizeEmail(readerEmail)
	pending := false
	for _, msg := range messages {
		if !msg.IsRead && msg.ReceiverEmail == reader {
			pending = true
			break
		}
	}
	if !pending {
		return
	}

	if _, err := t.MarkMessagesRead(ctx, conversationID, reader); err != nil && ctx.Err() == nil {
		t.logger.Warn("Auto mark read failed",
			zap.Uint("conversation_id", conversationID),
			zap.String("reader", reader),
			zap.Error(err))
	}
}

func (t *ReadStateTracker) applyRead(ctx context.Context, conv *models.Conversation, reader string) (bool, error) {
	changed, err := t.ledger.ApplyRead(ctx, conv, reader)
	if err != nil || !changed {
		return changed, err
	}

	t.metrics.UnreadResets.Inc()
	publishEvent(ctx, t.events, &kafka.ChatEvent{
		Type:           kafka.EventConversationRead,
		ConversationID: conv.ID,
		Receiver:       reader,
		At:             t.clock.Now().UTC(),
	})
	return true, nil
}

func (t *ReadStateTracker) notify(ctx context.Context, conversationID uint) {
	if t.hub == nil {
		return
	}
	if err := t.hub.Publish(ctx, conversationID); err != nil {
		t.logger.Warn("Publish read state change failed", zap.Uint("conversation_id", conversationID), zap.Error(err))
	}
}
