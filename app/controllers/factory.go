package controllers

import (
	"fmt"
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/marketplace/chat-backend/internal/database"
	"github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/services"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// ControllerFactory 控制器工厂
type ControllerFactory struct {
	container *dig.Container
}

// NewControllerFactory 创建控制器工厂
func NewControllerFactory(container *dig.Container) *ControllerFactory {
	return &ControllerFactory{
		container: container,
	}
}

type serviceParams struct {
	dig.In

	Inbox     *services.InboxService
	Ledger    *services.ConversationLedger
	Channel   *services.MessageChannel
	Tracker   *services.ReadStateTracker
	Assistant *services.AssistantService
	Broadcast *services.BroadcastService

	Errors         *errors.ErrorHandler
	Health         *database.HealthChecker
	MetricsHandler http.Handler
	Validate       *validator.Validate
	Clock          quartz.Clock
	Config         services.ConfigSource
	Logger         *zap.Logger
}

// Services 从容器取出控制器依赖
func (f *ControllerFactory) Services() (*Services, error) {
	var deps *Services
	err := f.container.Invoke(func(p serviceParams) {
		deps = &Services{
			Inbox:          p.Inbox,
			Ledger:         p.Ledger,
			Channel:        p.Channel,
			Tracker:        p.Tracker,
			Assistant:      p.Assistant,
			Broadcast:      p.Broadcast,
			Errors:         p.Errors,
			Health:         p.Health,
			MetricsHandler: p.MetricsHandler,
			Validate:       p.Validate,
			Clock:          p.Clock,
			Config:         p.Config,
			Logger:         p.Logger.Named("http"),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("resolve controller services: %w", err)
	}
	return deps, nil
}
