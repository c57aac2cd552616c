package controllers

import (
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/marketplace/chat-backend/internal/database"
	"github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/services"
	"go.uber.org/zap"
)

// Services 控制器依赖，由DI容器组装
type Services struct {
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
