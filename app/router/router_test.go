package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beego/beego/v2/server/web"
	"github.com/coder/quartz"
	"github.com/marketplace/chat-backend/app/controllers"
	"github.com/marketplace/chat-backend/app/middleware"
	"github.com/marketplace/chat-backend/internal/auth"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/database/dbtest"
	"github.com/marketplace/chat-backend/internal/di"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/marketplace/chat-backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/dig"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
	admin = "admin@example.com"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// stubClient 固定回复的计量接口
type stubClient struct{}

func (stubClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{
		Content: "echo: " + req.Input,
		Model:   req.Model,
		Usage:   llm.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}, nil
}

func (stubClient) Ready() bool { return true }

type testApp struct {
	handler http.Handler
	jwt     *auth.JWTService
	users   repository.UserRepository
	cfg     *config.Config
	deps    *controllers.Services
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	db := dbtest.Open(t)
	clock := quartz.NewMock(t)
	clock.Set(baseTime)
	registry := prometheus.NewRegistry()
	cfg := &config.Config{
		JWT:  config.JWTConfig{Secret: "test-secret", Issuer: "marketplace", ExpiresIn: time.Hour},
		Chat: config.ChatConfig{MessageLimit: 100, AutoMarkRead: true, MaxMessageLength: 4000, HeartbeatInterval: time.Minute},
		Quota: config.QuotaConfig{
			DailyLimit: 2,
			Timezone:   "UTC",
		},
		AI: config.AIConfig{Model: "gpt-4o-mini", MaxTokens: 200, HistorySize: 10},
	}

	container := dig.New()
	require.NoError(t, di.RegisterProviders(container, di.Infrastructure{
		DB:         db,
		LLM:        stubClient{},
		Registerer: registry,
		Gatherer:   registry,
		Config:     services.StaticConfig(cfg),
		Clock:      clock,
	}))

	deps, err := controllers.NewControllerFactory(container).Services()
	require.NoError(t, err)

	var (
		jwtService *auth.JWTService
		m          *metrics.Metrics
		users      repository.UserRepository
	)
	require.NoError(t, container.Invoke(func(j *auth.JWTService, mm *metrics.Metrics, u repository.UserRepository) {
		jwtService, m, users = j, mm, u
	}))

	handlers := web.NewControllerRegister()
	security := middleware.NewSecurityMiddleware(jwtService, deps.Errors, nil)
	manager := middleware.NewMiddlewareManager(nil, m, security)
	manager.SetupDefaultMiddlewares([]string{"http://localhost:3000"})
	require.NoError(t, manager.ApplyAllFilters(handlers))

	_, err = Register(handlers, deps)
	require.NoError(t, err)

	app := &testApp{
		handler: deps.Errors.Middleware(handlers),
		jwt:     jwtService,
		users:   users,
		cfg:     cfg,
		deps:    deps,
	}
	for _, email := range []string{alice, bob, carol} {
		app.addUser(t, email, models.RoleUser)
	}
	app.addUser(t, admin, models.RoleAdmin)
	return app
}

func (a *testApp) addUser(t *testing.T, email, role string) {
	t.Helper()
	require.NoError(t, a.users.Create(context.Background(), &models.User{Email: email, Role: role, CreatedDate: baseTime}))
}

func (a *testApp) token(t *testing.T, email string) string {
	t.Helper()
	token, err := a.jwt.GenerateToken(email, models.RoleUser)
	require.NoError(t, err)
	return token
}

func (a *testApp) do(t *testing.T, method, path, as string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(t, as))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

type sentResponse struct {
	Conversation *models.Conversation `json:"conversation"`
	Message      *models.Message      `json:"message"`
	SummaryStale bool                 `json:"summary_stale"`
}

func (a *testApp) start(t *testing.T, from, to, text string) sentResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/conversations/messages", from, map[string]string{
		"receiver_email": to,
		"text":           text,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent sentResponse
	decode(t, rec, &sent)
	require.NotNil(t, sent.Conversation)
	require.NotNil(t, sent.Message)
	return sent
}

func unread(t *testing.T, a *testApp, email string) int64 {
	t.Helper()
	rec := a.do(t, http.MethodGet, "/api/conversations/unread", email, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var data map[string]int64
	decode(t, rec, &data)
	return data["unread"]
}

func TestBuildRoutes(t *testing.T) {
	routes := BuildRoutes(&controllers.Services{}).GetAllRoutes()

	paths := make([]string, 0, len(routes))
	for _, r := range routes {
		paths = append(paths, r.Method+" "+r.Path)
	}
	assert.Len(t, routes, 14)
	assert.Contains(t, paths, "GET /health")
	assert.Contains(t, paths, "GET /api/conversations")
	assert.Contains(t, paths, "POST /api/conversations/:id/messages")
	assert.Contains(t, paths, "GET /api/conversations/:id/stream")
	assert.Contains(t, paths, "POST /api/assistant/ask")
	assert.Contains(t, paths, "POST /api/admin/broadcast")
}

func TestRegister_UnknownHandler(t *testing.T) {
	group := NewRouteGroup("/api").POST("/x", &controllers.BroadcastController{}, "DoesNotExist")
	assert.Error(t, group.Register(web.NewControllerRegister()))
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decode(t, rec, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_ConversationFlow(t *testing.T) {
	app := newTestApp(t)

	sent := app.start(t, alice, bob, "Is the bike still available?")
	convID := sent.Conversation.ID
	assert.False(t, sent.SummaryStale)
	assert.Equal(t, bob, sent.Message.ReceiverEmail)

	// 再次联系复用同一个会话
	again := app.start(t, alice, bob, "Hello?")
	assert.Equal(t, convID, again.Conversation.ID)

	assert.EqualValues(t, 2, unread(t, app, bob))
	assert.EqualValues(t, 0, unread(t, app, alice))

	rec := app.do(t, http.MethodGet, "/api/conversations", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox []services.InboxEntry
	decode(t, rec, &inbox)
	require.Len(t, inbox, 1)
	assert.Equal(t, alice, inbox[0].Other)
	assert.Equal(t, 2, inbox[0].Unread)
	assert.Equal(t, "Hello?", inbox[0].Conversation.LastMessage)

	// 打开会话清零自己的未读数
	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", convID), bob, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var messages []models.Message
	decode(t, rec, &messages)
	require.Len(t, messages, 2)
	assert.Equal(t, "Is the bike still available?", messages[0].Text)
	assert.EqualValues(t, 0, unread(t, app, bob))

	rec = app.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID), bob, map[string]string{"text": "Yes it is"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var reply sentResponse
	decode(t, rec, &reply)
	assert.Equal(t, alice, reply.Message.ReceiverEmail)
	assert.EqualValues(t, 1, unread(t, app, alice))

	rec = app.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", convID), alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var marked map[string]int
	decode(t, rec, &marked)
	assert.Equal(t, 1, marked["marked"])
	assert.EqualValues(t, 0, unread(t, app, alice))

	rec = app.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/read", convID), alice, nil)
	decode(t, rec, &marked)
	assert.Equal(t, 0, marked["marked"])
}

func TestAPI_ConversationAccessAndValidation(t *testing.T) {
	app := newTestApp(t)
	convID := app.start(t, alice, bob, "hi").Conversation.ID

	tests := []struct {
		name   string
		method string
		path   string
		as     string
		body   interface{}
		status int
		code   string
	}{
		{
			name: "non participant reads", method: http.MethodGet, as: carol,
			path:   fmt.Sprintf("/api/conversations/%d/messages", convID),
			status: http.StatusForbidden, code: "PERMISSION_DENIED",
		},
		{
			name: "non participant replies", method: http.MethodPost, as: carol,
			path: fmt.Sprintf("/api/conversations/%d/messages", convID), body: map[string]string{"text": "x"},
			status: http.StatusForbidden, code: "PERMISSION_DENIED",
		},
		{
			name: "unknown conversation", method: http.MethodGet, as: alice,
			path:   "/api/conversations/999/messages",
			status: http.StatusNotFound, code: "RESOURCE_NOT_FOUND",
		},
		{
			name: "bad id", method: http.MethodPost, as: alice,
			path:   "/api/conversations/abc/read",
			status: http.StatusBadRequest, code: "VALIDATION_FAILED",
		},
		{
			name: "missing text", method: http.MethodPost, as: alice,
			path: "/api/conversations/messages", body: map[string]string{"receiver_email": bob},
			status: http.StatusBadRequest, code: "VALIDATION_FAILED",
		},
		{
			name: "invalid receiver", method: http.MethodPost, as: alice,
			path: "/api/conversations/messages", body: map[string]string{"receiver_email": "bob", "text": "hi"},
			status: http.StatusBadRequest, code: "VALIDATION_FAILED",
		},
		{
			name: "message to self", method: http.MethodPost, as: alice,
			path: "/api/conversations/messages", body: map[string]string{"receiver_email": alice, "text": "hi"},
			status: http.StatusBadRequest, code: "VALIDATION_FAILED",
		},
		{
			name: "empty body", method: http.MethodPost, as: alice,
			path:   "/api/conversations/support",
			status: http.StatusBadRequest, code: "VALIDATION_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := app.do(t, tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			env := decode(t, rec, nil)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestAPI_ContactSupport(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/conversations/support", carol, map[string]string{"text": "My listing disappeared"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent sentResponse
	decode(t, rec, &sent)
	assert.Equal(t, admin, sent.Message.ReceiverEmail)
	assert.EqualValues(t, 1, unread(t, app, admin))
}

func TestAPI_Broadcast(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/admin/broadcast", alice, map[string]string{"text": "maintenance tonight"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/admin/broadcast", admin, map[string]string{"text": "maintenance tonight"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result services.BroadcastResult
	decode(t, rec, &result)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 0, result.ErrorCount)

	for _, email := range []string{alice, bob, carol} {
		assert.EqualValues(t, 1, unread(t, app, email), email)
	}
}

func TestAPI_Assistant(t *testing.T) {
	app := newTestApp(t)

	ask := func(text string) services.AskResult {
		rec := app.do(t, http.MethodPost, "/api/assistant/ask", alice, map[string]interface{}{"text": text})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result services.AskResult
		decode(t, rec, &result)
		return result
	}

	faq := ask("How do I sell an item?")
	assert.Equal(t, models.AISourceQuickAnswer, faq.Source)

	first := ask("What is a fair price for a used bike?")
	assert.Equal(t, models.AISourceModel, first.Source)
	assert.Equal(t, "echo: What is a fair price for a used bike?", first.Reply.Content)

	second := ask("And for a scooter?")
	assert.Equal(t, models.AISourceModel, second.Source)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	// 每日上限为2
	third := ask("And for a car?")
	assert.Equal(t, models.AISourceQuota, third.Source)
	assert.True(t, third.Quota.Exceeded)
	assert.Contains(t, third.Reply.Content, "tomorrow")

	rec := app.do(t, http.MethodGet, "/api/assistant/usage", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status services.QuotaStatus
	decode(t, rec, &status)
	assert.Equal(t, 2, status.Limit)
	assert.Equal(t, 0, status.Remaining)
	assert.Equal(t, "2026-03-01", status.Date)

	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/assistant/conversations/%d/messages", first.ConversationID), alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []models.AIMessage
	decode(t, rec, &history)
	assert.NotEmpty(t, history)

	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/assistant/conversations/%d/messages", first.ConversationID), bob, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = app.do(t, http.MethodPost, "/api/assistant/ask", alice, map[string]interface{}{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	app.start(t, alice, bob, "hi")

	rec := app.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode(t, rec, nil)
	assert.True(t, env.Success)

	rec = app.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chat_messages_sent_total{status="ok"} 1`)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}

func TestAPI_StreamSnapshots(t *testing.T) {
	app := newTestApp(t)
	convID := app.start(t, alice, bob, "first").Conversation.ID

	server := httptest.NewServer(app.handler)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := fmt.Sprintf("%s/api/conversations/%d/stream?access_token=%s", server.URL, convID, app.token(t, bob))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan []models.Message, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var messages []models.Message
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &messages) == nil {
				events <- messages
			}
		}
		close(events)
	}()

	next := func() []models.Message {
		select {
		case messages, ok := <-events:
			require.True(t, ok, "stream closed")
			return messages
		case <-time.After(5 * time.Second):
			t.Fatal("no snapshot received")
			return nil
		}
	}

	// until 丢弃中间快照，直到满足条件
	until := func(ok func([]models.Message) bool) []models.Message {
		for {
			if messages := next(); ok(messages) {
				return messages
			}
		}
	}

	// 订阅后立即收到当前列表，自动已读后再推送一次已读状态
	read := until(func(m []models.Message) bool { return len(m) == 1 && m[0].IsRead })
	assert.Equal(t, "first", read[0].Text)

	rec := app.do(t, http.MethodPost, fmt.Sprintf("/api/conversations/%d/messages", convID), alice, map[string]string{"text": "second"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	snapshot := until(func(m []models.Message) bool { return len(m) == 2 })
	assert.Equal(t, "second", snapshot[1].Text)
	until(func(m []models.Message) bool { return len(m) == 2 && m[1].IsRead })

	// 自动已读：流中收到的消息会清零 bob 的未读数
	assert.Eventually(t, func() bool {
		total, err := app.deps.Inbox.UnreadTotal(context.Background(), bob)
		return err == nil && total == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAPI_StreamRejectsOutsider(t *testing.T) {
	app := newTestApp(t)
	convID := app.start(t, alice, bob, "first").Conversation.ID

	rec := app.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/stream", convID), carol, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
