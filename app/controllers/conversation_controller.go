package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marketplace/chat-backend/internal/models"
	"go.uber.org/zap"
)

const defaultHeartbeat = 15 * time.Second

// ConversationController 买卖双方会话接口
type ConversationController struct {
	BaseController
}

type startConversationRequest struct {
	ReceiverEmail string `json:"receiver_email" validate:"required,email"`
	Text          string `json:"text" validate:"required"`
}

type textRequest struct {
	Text string `json:"text" validate:"required"`
}

type sentMessage struct {
	Conversation *models.Conversation `json:"conversation,omitempty"`
	Message      *models.Message      `json:"message"`
	SummaryStale bool                 `json:"summary_stale,omitempty"`
}

// respondSent 消息已写入但摘要更新失败时仍返回201，并标记 summary_stale
func (c *ConversationController) respondSent(conv *models.Conversation, msg *models.Message, err error) {
	if err != nil && msg == nil {
		c.HandleError(err)
		return
	}
	result := sentMessage{Conversation: conv, Message: msg}
	if err != nil {
		c.Deps.Logger.Warn("Message stored with stale conversation summary",
			zap.Uint("message_id", msg.ID),
			zap.Error(err))
		result.SummaryStale = true
	}
	c.JSONCreated(result)
}

// Start 向某个用户发消息，首次联系时创建会话
// @router /api/conversations/messages [post]
func (c *ConversationController) Start() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	var req startConversationRequest
	if err := c.bindJSON(&req); err != nil {
		c.HandleError(err)
		return
	}

	conv, msg, err := c.Deps.Inbox.StartConversation(c.Ctx.Request.Context(), user, req.ReceiverEmail, req.Text)
	c.respondSent(conv, msg, err)
}

// Reply 在已有会话中回复对方
// @router /api/conversations/:id/messages [post]
func (c *ConversationController) Reply() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	id, err := c.paramID()
	if err != nil {
		c.HandleError(err)
		return
	}
	var req textRequest
	if err := c.bindJSON(&req); err != nil {
		c.HandleError(err)
		return
	}

	ctx := c.Ctx.Request.Context()
	conv, err := c.Deps.Ledger.GetForParticipant(ctx, id, user)
	if err != nil {
		c.HandleError(err)
		return
	}
	msg, err := c.Deps.Channel.Send(ctx, conv.ID, user, conv.Other(user), req.Text)
	c.respondSent(nil, msg, err)
}

// ContactSupport 联系客服（第一个管理员）
// @router /api/conversations/support [post]
func (c *ConversationController) ContactSupport() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	var req textRequest
	if err := c.bindJSON(&req); err != nil {
		c.HandleError(err)
		return
	}

	conv, msg, err := c.Deps.Inbox.ContactSupport(c.Ctx.Request.Context(), user, req.Text)
	c.respondSent(conv, msg, err)
}

// List 当前用户的会话列表
// @router /api/conversations [get]
func (c *ConversationController) List() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	entries, err := c.Deps.Inbox.ListConversations(c.Ctx.Request.Context(), user, c.queryLimit())
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(entries)
}

// Unread 未读总数，用于导航栏角标
// @router /api/conversations/unread [get]
func (c *ConversationController) Unread() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	total, err := c.Deps.Inbox.UnreadTotal(c.Ctx.Request.Context(), user)
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(map[string]int64{"unread": total})
}

// Messages 打开会话：返回消息列表并清零自己的未读数
// @router /api/conversations/:id/messages [get]
func (c *ConversationController) Messages() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	id, err := c.paramID()
	if err != nil {
		c.HandleError(err)
		return
	}

	ctx := c.Ctx.Request.Context()
	if _, err := c.Deps.Tracker.OnConversationOpened(ctx, id, user); err != nil {
		c.HandleError(err)
		return
	}
	messages, err := c.Deps.Channel.List(ctx, id, c.queryLimit())
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(messages)
}

// MarkRead 标记发给自己的消息为已读
// @router /api/conversations/:id/read [post]
func (c *ConversationController) MarkRead() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	id, err := c.paramID()
	if err != nil {
		c.HandleError(err)
		return
	}
	marked, err := c.Deps.Tracker.MarkMessagesRead(c.Ctx.Request.Context(), id, user)
	if err != nil {
		c.HandleError(err)
		return
	}
	c.JSONSuccess(map[string]int{"marked": marked})
}

// Stream 以 Server-Sent Events 推送会话的完整消息列表
// @router /api/conversations/:id/stream [get]
func (c *ConversationController) Stream() {
	user, ok := c.requireUser()
	if !ok {
		return
	}
	id, err := c.paramID()
	if err != nil {
		c.HandleError(err)
		return
	}

	ctx := c.Ctx.Request.Context()
	if _, err := c.Deps.Ledger.GetForParticipant(ctx, id, user); err != nil {
		c.HandleError(err)
		return
	}

	// 只保留最新一份快照，写出统一在当前协程
	snapshots := make(chan []models.Message, 1)
	unsubscribe, err := c.Deps.Channel.Subscribe(ctx, id, func(messages []models.Message) {
		for {
			select {
			case snapshots <- messages:
				c.Deps.Tracker.OnSnapshot(ctx, id, user, messages)
				return
			default:
				select {
				case <-snapshots:
				default:
				}
			}
		}
	})
	if err != nil {
		c.HandleError(err)
		return
	}
	defer unsubscribe()

	c.EnableRender = false
	w := c.Ctx.ResponseWriter
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	interval := c.Deps.Config().Chat.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := c.Deps.Clock.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case messages := <-snapshots:
			payload, err := json.Marshal(messages)
			if err != nil {
				c.Deps.Logger.Error("Encode snapshot failed", zap.Uint("conversation_id", id), zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
				return
			}
			w.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		}
	}
}
