package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/marketplace/chat-backend/internal/config"
	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const assistantTitleLength = 60

// quickAnswer 本地FAQ，命中时不调用计量接口
type quickAnswer struct {
	keywords []string
	answer   string
}

var quickAnswers = []quickAnswer{
	{
		keywords: []string{"post a listing", "create a listing", "sell an item", "how do i sell"},
		answer:   "To sell something, open \"Post listing\", pick a category, add a title, price and photos, then publish. Your listing shows up after it is saved.",
	},
	{
		keywords: []string{"contact the seller", "contact seller", "message the seller"},
		answer:   "Open the listing and press \"Contact\". Your first message starts a private conversation with the seller.",
	},
	{
		keywords: []string{"delete my listing", "remove my listing", "edit my listing"},
		answer:   "Go to \"My listings\", open the listing and use the edit or delete buttons.",
	},
	{
		keywords: []string{"is it safe", "scam", "safety tips"},
		answer:   "Meet in a public place, inspect the item before paying and never send money in advance to someone you have not met.",
	},
}

func lookupQuickAnswer(text string) (string, bool) {
	normalized := strings.ToLower(text)
	for _, qa := range quickAnswers {
		for _, keyword := range qa.keywords {
			if strings.Contains(normalized, keyword) {
				return qa.answer, true
			}
		}
	}
	return "", false
}

func quotaExceededReply(limit int) string {
	return fmt.Sprintf("You have used all %d assistant questions for today. Please come back tomorrow.", limit)
}

func failureReply(kind llm.Kind) string {
	switch kind {
	case llm.KindUnauthorized:
		return "The assistant is not available right now. Please try again later."
	case llm.KindRateLimited:
		return "The assistant is busy right now. Please wait a moment and try again."
	case llm.KindServerError:
		return "The assistant service is having problems. Please try again later."
	default:
		return "Sorry, something went wrong while answering. Please try again."
	}
}

// AskResult 一次提问的结果
type AskResult struct {
	ConversationID uint             `json:"conversation_id"`
	Question       models.AIMessage `json:"question"`
	Reply          models.AIMessage `json:"reply"`
	Source         string           `json:"source"`
	Quota          QuotaStatus      `json:"quota"`
	FailureKind    llm.Kind         `json:"failure_kind,omitempty"`
}

// AssistantService AI助手：FAQ、配额判定、计量调用
type AssistantService struct {
	chats   repository.AIChatRepository
	quota   *QuotaGuard
	client  llm.MeteredClient
	events  kafka.Publisher
	metrics *metrics.Metrics
	clock   quartz.Clock
	config  ConfigSource
	logger  *zap.Logger
}

// NewAssistantService 创建AI助手服务
func NewAssistantService(
	chats repository.AIChatRepository,
	quota *QuotaGuard,
	client llm.MeteredClient,
	events kafka.Publisher,
	m *metrics.Metrics,
	clock quartz.Clock,
	cfg ConfigSource,
) *AssistantService {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if client == nil {
		client = llm.NoopClient{}
	}
	return &AssistantService{
		chats:   chats,
		quota:   quota,
		client:  client,
		events:  events,
		metrics: m,
		clock:   clock,
		config:  cfg,
		logger:  logger.Named("assistant"),
	}
}

// Ask 处理一次提问。conversationID 为 0 时沿用最近的会话，没有则新建。
func (s *AssistantService) Ask(ctx context.Context, userEmail string, conversationID uint, text string) (*AskResult, error) {
	email, err := requireEmail("user_email", userEmail)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewValidationError("question is empty")
	}

	conv, err := s.resolveConversation(ctx, email, conversationID, text)
	if err != nil {
		return nil, err
	}

	history, err := s.chats.RecentMessages(ctx, conv.ID, s.config().AI.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("load assistant history: %w", err)
	}

	question := &models.AIMessage{
		ConversationID: conv.ID,
		UserEmail:      email,
		Role:           models.AIRoleUser,
		Content:        text,
		CreatedDate:    s.clock.Now().UTC(),
	}
	if err := s.chats.AppendMessage(ctx, question); err != nil {
		return nil, fmt.Errorf("store question: %w", err)
	}

	result := &AskResult{ConversationID: conv.ID, Question: *question}

	if answer, ok := lookupQuickAnswer(text); ok {
		s.metrics.QuotaDecisions.WithLabelValues(metrics.DecisionBypass).Inc()
		result.Quota = s.quota.Status(ctx, email, s.quota.DailyLimit())
		return s.reply(ctx, result, answer, models.AISourceQuickAnswer, llm.Usage{})
	}

	limit := s.quota.DailyLimit()
	reservation := s.quota.Reserve(ctx, email, limit)
	result.Quota = reservation.QuotaStatus
	if !reservation.Admitted() {
		return s.reply(ctx, result, quotaExceededReply(limit), models.AISourceQuota, llm.Usage{})
	}

	cfg := s.config().AI
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		History:     toLLMHistory(history),
		Input:       text,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
	})
	if err != nil {
		classified := llm.Classify(err)
		s.logger.Warn("Metered call failed",
			zap.String("user", email),
			zap.String("kind", string(classified.Kind)),
			zap.Int("status", classified.StatusCode),
			zap.Error(err))
		s.quota.Release(ctx, reservation)
		result.Quota = reservation.QuotaStatus
		result.FailureKind = classified.Kind
		return s.reply(ctx, result, failureReply(classified.Kind), models.AISourceError, llm.Usage{})
	}

	model := resp.Model
	if model == "" {
		model = cfg.Model
	}
	if err := s.quota.Commit(ctx, reservation, pricingModel(model, cfg.Model, s.config().AI.Pricing), resp.Usage); err != nil {
		s.logger.Warn("Record usage failed, reply still delivered", zap.String("user", email), zap.Error(err))
	}

	publishEvent(ctx, s.events, &kafka.ChatEvent{
		Type:           kafka.EventAssistantAnswered,
		ConversationID: conv.ID,
		Sender:         email,
		Preview:        kafka.Preview(text),
		Usage: &kafka.UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		At: s.clock.Now().UTC(),
	})
	return s.reply(ctx, result, resp.Content, models.AISourceModel, resp.Usage)
}

// pricingModel 接口返回的模型名可能带版本后缀，找不到单价时退回配置的模型名
func pricingModel(returned, configured string, pricing map[string]config.ModelPricing) string {
	if _, ok := pricing[returned]; ok {
		return returned
	}
	return configured
}

func (s *AssistantService) reply(ctx context.Context, result *AskResult, content, source string, usage llm.Usage) (*AskResult, error) {
	msg := &models.AIMessage{
		ConversationID:   result.ConversationID,
		UserEmail:        result.Question.UserEmail,
		Role:             models.AIRoleAssistant,
		Content:          content,
		Source:           source,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CreatedDate:      s.clock.Now().UTC(),
	}
	if err := s.chats.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}
	result.Reply = *msg
	result.Source = source
	return result, nil
}

func (s *AssistantService) resolveConversation(ctx context.Context, email string, conversationID uint, firstQuestion string) (*models.AIConversation, error) {
	if conversationID != 0 {
		return s.resolveExisting(ctx, email, conversationID)
	}

	conv, err := s.chats.LatestConversation(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("latest assistant conversation: %w", err)
	}
	if conv != nil {
		return conv, nil
	}

	title := firstQuestion
	if utf8.RuneCountInString(title) > assistantTitleLength {
		title = string([]rune(title)[:assistantTitleLength])
	}
	conv = &models.AIConversation{
		UserEmail:   email,
		Title:       title,
		CreatedDate: s.clock.Now().UTC(),
	}
	if err := s.chats.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create assistant conversation: %w", err)
	}
	return conv, nil
}

func toLLMHistory(messages []models.AIMessage) []llm.Message {
	history := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// Usage 当日配额状态，供界面显示剩余次数
func (s *AssistantService) Usage(ctx context.Context, userEmail string) QuotaStatus {
	return s.quota.Status(ctx, NormalizeEmail(userEmail), s.quota.DailyLimit())
}

// Messages 助手会话消息，只能读取自己的会话
func (s *AssistantService) Messages(ctx context.Context, userEmail string, conversationID uint, limit int) ([]models.AIMessage, error) {
	email, err := requireEmail("user_email", userEmail)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolveExisting(ctx, email, conversationID); err != nil {
		return nil, err
	}
	messages, err := s.chats.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list assistant messages: %w", err)
	}
	return messages, nil
}

func (s *AssistantService) resolveExisting(ctx context.Context, email string, conversationID uint) (*models.AIConversation, error) {
	conv, err := s.chats.GetConversation(ctx, conversationID, email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("Assistant conversation")
	}
	if err != nil {
		return nil, fmt.Errorf("get assistant conversation: %w", err)
	}
	return conv, nil
}
