package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/coder/quartz"
	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/models"
	"github.com/marketplace/chat-backend/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const broadcastConcurrency = 4

// BroadcastResult 群发结果
type BroadcastResult struct {
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

// BroadcastService 管理员群发
type BroadcastService struct {
	users   repository.UserRepository
	ledger  *ConversationLedger
	channel *MessageChannel
	events  kafka.Publisher
	metrics *metrics.Metrics
	clock   quartz.Clock
	logger  *zap.Logger
}

// NewBroadcastService 创建群发服务
func NewBroadcastService(
	users repository.UserRepository,
	ledger *ConversationLedger,
	channel *MessageChannel,
	events kafka.Publisher,
	m *metrics.Metrics,
	clock quartz.Clock,
) *BroadcastService {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &BroadcastService{
		users:   users,
		ledger:  ledger,
		channel: channel,
		events:  events,
		metrics: m,
		clock:   clock,
		logger:  logger.Named("broadcast"),
	}
}

// IsAdmin 按 role 字段判断，不扫描全部用户
func (s *BroadcastService) IsAdmin(ctx context.Context, email string) (bool, error) {
	user, err := s.users.FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return false, fmt.Errorf("find user: %w", err)
	}
	return user != nil && user.IsAdmin(), nil
}

// SendToAllUsers 给除自己外的每个用户发送同一条消息。
// 单个用户失败只计入 ErrorCount，不中断其他用户。
func (s *BroadcastService) SendToAllUsers(ctx context.Context, adminEmail, text string) (*BroadcastResult, error) {
	admin, err := requireEmail("admin_email", adminEmail)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidationError("message text is empty")
	}

	isAdmin, err := s.IsAdmin(ctx, admin)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, apperrors.NewPermissionDeniedError("admin role required")
	}

	users, err := s.users.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var success, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)

	for _, user := range users {
		target := NormalizeEmail(user.Email)
		if target == admin {
			continue
		}
		g.Go(func() error {
			if err := s.deliver(gctx, admin, target, text); err != nil {
				failed.Add(1)
				s.metrics.BroadcastDeliveries.WithLabelValues(metrics.StatusError).Inc()
				s.logger.Warn("Broadcast delivery failed", zap.String("user", target), zap.Error(err))
				return nil
			}
			success.Add(1)
			s.metrics.BroadcastDeliveries.WithLabelValues(metrics.StatusOK).Inc()
			return nil
		})
	}
	_ = g.Wait()

	result := &BroadcastResult{
		SuccessCount: int(success.Load()),
		ErrorCount:   int(failed.Load()),
	}
	s.logger.Info("Broadcast completed",
		zap.String("admin", admin),
		zap.Int("success", result.SuccessCount),
		zap.Int("errors", result.ErrorCount))

	publishEvent(ctx, s.events, &kafka.ChatEvent{
		Type:         kafka.EventBroadcastCompleted,
		Sender:       admin,
		Preview:      kafka.Preview(text),
		SuccessCount: result.SuccessCount,
		ErrorCount:   result.ErrorCount,
		At:           s.clock.Now().UTC(),
	})
	return result, nil
}

func (s *BroadcastService) deliver(ctx context.Context, admin, target, text string) error {
	if target == "" {
		return apperrors.NewValidationError("user record has no email")
	}
	conv, _, err := s.ledger.FindOrCreate(ctx, admin, target)
	if err != nil {
		return err
	}
	_, err = s.channel.Send(ctx, conv.ID, admin, target, text)
	return err
}

// Admins 所有管理员，走 role 索引
func (s *BroadcastService) Admins(ctx context.Context) ([]models.User, error) {
	admins, err := s.users.ListByRole(ctx, models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}
