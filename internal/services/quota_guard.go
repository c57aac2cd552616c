package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const usageDateLayout = "2006-01-02"

// QuotaStatus 当日配额判定
type QuotaStatus struct {
	Exceeded  bool                `json:"exceeded"`
	Remaining int                 `json:"remaining"`
	Limit     int                 `json:"limit"`
	Date      string              `json:"date"`
	Usage     *models.UsageRecord `json:"usage,omitempty"`
	// FailedOpen 读取用量失败，按未超限放行
	FailedOpen bool `json:"failed_open,omitempty"`
}

// QuotaGuard 计量AI接口的每日配额
type QuotaGuard struct {
	usage   repository.UsageRepository
	clock   quartz.Clock
	config  ConfigSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewQuotaGuard 创建配额守卫
func NewQuotaGuard(usage repository.UsageRepository, clock quartz.Clock, cfg ConfigSource, m *metrics.Metrics) *QuotaGuard {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &QuotaGuard{
		usage:   usage,
		clock:   clock,
		config:  cfg,
		metrics: m,
		logger:  logger.Named("quota_guard"),
	}
}

// DailyLimit 配置中的每日上限
func (g *QuotaGuard) DailyLimit() int {
	return g.config().Quota.DailyLimit
}

// Today 配额日期键，按配置时区取日期
func (g *QuotaGuard) Today() string {
	return g.clock.Now().In(g.config().Quota.Location()).Format(usageDateLayout)
}

// Status 读取当日用量。没有当日记录视为零用量；读取失败时放行：不超限，剩余次数为完整上限。
func (g *QuotaGuard) Status(ctx context.Context, userEmail string, dailyLimit int) QuotaStatus {
	date := g.Today()
	status := QuotaStatus{Limit: dailyLimit, Date: date, Remaining: max(0, dailyLimit)}

	record, err := g.usage.Find(ctx, NormalizeEmail(userEmail), date)
	if err != nil {
		g.logger.Warn("Quota check failed, allowing request",
			zap.String("user", userEmail),
			zap.String("date", date),
			zap.Error(err))
		status.FailedOpen = true
		return status
	}

	var used int64
	if record != nil {
		used = record.RequestCount
		status.Usage = record
	}

	status.Remaining = int(max(0, int64(dailyLimit)-used))
	status.Exceeded = used >= int64(dailyLimit)
	return status
}

// CheckDailyLimit 计量调用前的准入判定，同 Status，并记录判定结果
func (g *QuotaGuard) CheckDailyLimit(ctx context.Context, userEmail string, dailyLimit int) QuotaStatus {
	status := g.Status(ctx, userEmail, dailyLimit)

	decision := metrics.DecisionAdmitted
	switch {
	case status.FailedOpen:
		decision = metrics.DecisionFailOpen
	case status.Exceeded:
		decision = metrics.DecisionExceeded
	}
	g.metrics.QuotaDecisions.WithLabelValues(decision).Inc()
	return status
}

// EstimateCost 按模型单价估算费用，未配置的模型计为零
func (g *QuotaGuard) EstimateCost(model string, usage llm.Usage) float64 {
	pricing, ok := g.config().AI.Pricing[model]
	if !ok {
		return 0
	}
	return estimateCost(pricing, usage)
}

func estimateCost(pricing config.ModelPricing, usage llm.Usage) float64 {
	return float64(usage.PromptTokens)*pricing.PromptPerMillion/1_000_000 +
		float64(usage.CompletionTokens)*pricing.CompletionPerMillion/1_000_000
}

// RecordUsage 只在计量调用成功后调用：必要时创建当日记录，再原子累加各计数
func (g *QuotaGuard) RecordUsage(ctx context.Context, userEmail, model string, usage llm.Usage) error {
	now := g.clock.Now()
	date := now.In(g.config().Quota.Location()).Format(usageDateLayout)
	return g.record(ctx, NormalizeEmail(userEmail), date, 1, model, usage)
}

func (g *QuotaGuard) record(ctx context.Context, email, date string, requests int64, model string, usage llm.Usage) error {
	now := g.clock.Now().UTC()

	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	delta := repository.UsageDelta{
		Requests:         requests,
		PromptTokens:     int64(usage.PromptTokens),
		CompletionTokens: int64(usage.CompletionTokens),
		TotalTokens:      int64(total),
		Cost:             g.EstimateCost(model, usage),
	}

	if err := g.usage.EnsureExists(ctx, email, date, now); err != nil {
		return fmt.Errorf("ensure usage record: %w", err)
	}
	err := g.usage.Increment(ctx, email, date, delta, now)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := g.usage.EnsureExists(ctx, email, date, now); err != nil {
			return fmt.Errorf("ensure usage record: %w", err)
		}
		err = g.usage.Increment(ctx, email, date, delta, now)
	}
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}

	g.metrics.AssistantTokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	g.metrics.AssistantTokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	return nil
}

// Reservation 一次计量调用的准入结果。held 为 true 时当日 request_count 已经计入本次调用。
type Reservation struct {
	QuotaStatus
	email string
	held  bool
}

// Reserve 原子准入：先按 CheckDailyLimit 判定，未超限时 request_count 低于上限才加一，
// 并发请求不会超出上限。读写失败时放行且不持有预占，成功后按 RecordUsage 计数。
func (g *QuotaGuard) Reserve(ctx context.Context, userEmail string, dailyLimit int) *Reservation {
	email := NormalizeEmail(userEmail)
	status := g.CheckDailyLimit(ctx, email, dailyLimit)
	r := &Reservation{QuotaStatus: status, email: email}
	if status.FailedOpen || status.Exceeded {
		return r
	}

	record, ok, err := g.reserve(ctx, email, status.Date, dailyLimit, g.clock.Now().UTC())
	if err != nil {
		g.logger.Warn("Quota reservation failed, allowing request",
			zap.String("user", email),
			zap.String("date", status.Date),
			zap.Error(err))
		r.FailedOpen = true
		r.Remaining = max(0, dailyLimit)
		g.metrics.QuotaDecisions.WithLabelValues(metrics.DecisionFailOpen).Inc()
		return r
	}

	r.Usage = record
	r.held = ok
	r.Remaining = int(max(0, int64(dailyLimit)-record.RequestCount))
	r.Exceeded = r.Remaining == 0
	if !ok {
		// 判定之后被并发请求占满
		g.metrics.QuotaDecisions.WithLabelValues(metrics.DecisionExceeded).Inc()
	}
	return r
}

func (g *QuotaGuard) reserve(ctx context.Context, email, date string, limit int, at time.Time) (*models.UsageRecord, bool, error) {
	if err := g.usage.EnsureExists(ctx, email, date, at); err != nil {
		return nil, false, fmt.Errorf("ensure usage record: %w", err)
	}
	return g.usage.Reserve(ctx, email, date, limit, at)
}

// Admitted 是否可以发起计量调用
func (r *Reservation) Admitted() bool {
	return r.held || r.FailedOpen
}

// Commit 计量调用成功后累加 token 和费用，记在预占当天
func (g *QuotaGuard) Commit(ctx context.Context, r *Reservation, model string, usage llm.Usage) error {
	if !r.held {
		return g.RecordUsage(ctx, r.email, model, usage)
	}
	r.held = false
	return g.record(ctx, r.email, r.Date, 0, model, usage)
}

// Release 计量调用失败时退回预占，失败的调用不计数
func (g *QuotaGuard) Release(ctx context.Context, r *Reservation) {
	if !r.held {
		return
	}
	r.held = false
	// ctx 取消后仍要退回
	if err := g.usage.Release(context.WithoutCancel(ctx), r.email, r.Date); err != nil {
		g.logger.Warn("Release quota reservation failed",
			zap.String("user", r.email),
			zap.String("date", r.Date),
			zap.Error(err))
		return
	}
	r.Remaining = min(r.Limit, r.Remaining+1)
	r.Exceeded = false
}
