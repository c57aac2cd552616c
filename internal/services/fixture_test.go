package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/database/dbtest"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/realtime"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
	admin = "admin@example.com"
)

func testConfig() *config.Config {
	return &config.Config{
		Chat: config.ChatConfig{
			MessageLimit:     100,
			AutoMarkRead:     true,
			MaxMessageLength: 4000,
		},
		Quota: config.QuotaConfig{
			DailyLimit: 20,
			Timezone:   "UTC",
		},
		AI: config.AIConfig{
			Model:        "gpt-4o-mini",
			MaxTokens:    500,
			Temperature:  0.7,
			HistorySize:  10,
			SystemPrompt: "be brief",
			Pricing: map[string]config.ModelPricing{
				"gpt-4o-mini": {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
			},
		},
	}
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.ChatEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event *kafka.ChatEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

// MockMeteredClient 模拟计量接口
type MockMeteredClient struct {
	mock.Mock
}

func (m *MockMeteredClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.Response)
	return resp, args.Error(1)
}

func (m *MockMeteredClient) Ready() bool {
	return true
}

type fixture struct {
	db            *gorm.DB
	clock         *quartz.Mock
	cfg           *config.Config
	hub           *realtime.LocalHub
	events        *recordingPublisher
	metrics       *metrics.Metrics
	client        *MockMeteredClient
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	usage         repository.UsageRepository
	users         repository.UserRepository
	chats         repository.AIChatRepository

	ledger    *ConversationLedger
	channel   *MessageChannel
	tracker   *ReadStateTracker
	quota     *QuotaGuard
	broadcast *BroadcastService
	assistant *AssistantService
	inbox     *InboxService
}

type fixtureOption func(f *fixture)

func withMessageRepository(wrap func(repository.MessageRepository) repository.MessageRepository) fixtureOption {
	return func(f *fixture) { f.messages = wrap(f.messages) }
}

func withConversationRepository(wrap func(repository.ConversationRepository) repository.ConversationRepository) fixtureOption {
	return func(f *fixture) { f.conversations = wrap(f.conversations) }
}

func withUsageRepository(usage repository.UsageRepository) fixtureOption {
	return func(f *fixture) { f.usage = usage }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	clock := quartz.NewMock(t)
	clock.Set(baseTime)

	f := &fixture{
		db:            db,
		clock:         clock,
		cfg:           testConfig(),
		hub:           realtime.NewLocalHub(),
		events:        &recordingPublisher{},
		metrics:       metrics.NewNop(),
		client:        &MockMeteredClient{},
		conversations: repository.NewConversationRepository(db),
		messages:      repository.NewMessageRepository(db),
		usage:         repository.NewUsageRepository(db),
		users:         repository.NewUserRepository(db),
		chats:         repository.NewAIChatRepository(db),
	}
	for _, opt := range opts {
		opt(f)
	}

	cfg := StaticConfig(f.cfg)
	f.ledger = NewConversationLedger(f.conversations, clock)
	f.channel = NewMessageChannel(f.messages, f.ledger, f.hub, f.events, f.metrics, clock, cfg)
	f.tracker = NewReadStateTracker(f.ledger, f.messages, f.hub, f.events, f.metrics, clock, cfg)
	f.quota = NewQuotaGuard(f.usage, clock, cfg, f.metrics)
	f.broadcast = NewBroadcastService(f.users, f.ledger, f.channel, f.events, f.metrics, clock)
	f.assistant = NewAssistantService(f.chats, f.quota, f.client, f.events, f.metrics, clock, cfg)
	f.inbox = NewInboxService(f.conversations, f.users, f.ledger, f.channel)
	return f
}

func (f *fixture) addUser(t *testing.T, email, role string) {
	t.Helper()
	require.NoError(t, f.users.Create(context.Background(), &models.User{Email: email, Role: role, CreatedDate: baseTime}))
}

func (f *fixture) reload(t *testing.T, id uint) *models.Conversation {
	t.Helper()
	conv, err := f.conversations.GetByID(context.Background(), id)
	require.NoError(t, err)
	return conv
}
