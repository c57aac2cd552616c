package services

import (
	"context"
	"strings"

	"github.com/marketplace/chat-backend/internal/config"
	apperrors "github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/logger"
	"go.uber.org/zap"
)

// ConfigSource 返回当前配置，热更新后取到的是新值
type ConfigSource func() *config.Config

// StaticConfig 固定配置，测试和命令行工具使用
func StaticConfig(cfg *config.Config) ConfigSource {
	return func() *config.Config { return cfg }
}

// NormalizeEmail 用户标识统一小写并去掉首尾空白
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func requireEmail(field, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", apperrors.NewMissingRequiredError(field)
	}
	return email, nil
}

// publishEvent 事件发布失败只记日志，不影响聊天主流程
func publishEvent(ctx context.Context, publisher kafka.Publisher, event *kafka.ChatEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("Publish chat event failed", zap.String("type", event.Type), zap.Error(err))
	}
}
