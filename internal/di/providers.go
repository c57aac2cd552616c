package di

import (
	"fmt"
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/marketplace/chat-backend/internal/auth"
	"github.com/marketplace/chat-backend/internal/database"
	"github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/metrics"
	"github.com/marketplace/chat-backend/internal/realtime"
	"github.com/marketplace/chat-backend/internal/repository"
	"github.com/marketplace/chat-backend/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Infrastructure 启动阶段建立的外部连接
type Infrastructure struct {
	DB     *gorm.DB
	Redis  redis.UniversalClient // nil 时使用进程内 hub
	Events kafka.Publisher       // nil 时不发布事件
	LLM    llm.MeteredClient

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Config services.ConfigSource
	Clock  quartz.Clock
	Logger *zap.Logger
	// HealthLogger 健康检查沿用 logrus
	HealthLogger *logrus.Logger
}

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, infra Infrastructure) error {
	if infra.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if infra.Config == nil {
		return fmt.Errorf("config not loaded")
	}
	if infra.Clock == nil {
		infra.Clock = quartz.NewReal()
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.LLM == nil {
		infra.LLM = llm.NoopClient{}
	}

	providers := []interface{}{
		// 基础设施
		func() *gorm.DB { return infra.DB },
		func() services.ConfigSource { return infra.Config },
		func() quartz.Clock { return infra.Clock },
		func() *zap.Logger { return infra.Logger },
		func() kafka.Publisher { return infra.Events },
		func() llm.MeteredClient { return infra.LLM },
		func() *metrics.Metrics { return metrics.New(infra.Registerer) },
		func() http.Handler {
			if infra.Gatherer == nil {
				return promhttp.Handler()
			}
			return promhttp.HandlerFor(infra.Gatherer, promhttp.HandlerOpts{})
		},
		func() realtime.Hub {
			if infra.Redis != nil {
				return realtime.NewRedisHub(infra.Redis, infra.Logger.Named("realtime"))
			}
			return realtime.NewLocalHub()
		},
		func() *validator.Validate {
			return validator.New(validator.WithRequiredStructEnabled())
		},
		func(m *metrics.Metrics) *errors.ErrorHandler {
			return errors.NewErrorHandler(infra.Logger.Named("errors"), m.ErrorResponses)
		},
		func(cfg services.ConfigSource, clock quartz.Clock) *auth.JWTService {
			jwtCfg := cfg().JWT
			return auth.NewJWTServiceWithClock(jwtCfg.Secret, jwtCfg.Issuer, jwtCfg.ExpiresIn, clock)
		},
		newHealthChecker(infra),

		// 仓储
		repository.NewConversationRepository,
		repository.NewMessageRepository,
		repository.NewUsageRepository,
		repository.NewUserRepository,
		repository.NewAIChatRepository,

		// 服务
		services.NewConversationLedger,
		services.NewMessageChannel,
		services.NewReadStateTracker,
		services.NewQuotaGuard,
		services.NewBroadcastService,
		services.NewAssistantService,
		services.NewInboxService,
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}

func newHealthChecker(infra Infrastructure) func() (*database.HealthChecker, error) {
	return func() (*database.HealthChecker, error) {
		checker := database.NewHealthChecker(infra.HealthLogger)
		sqlDB, err := infra.DB.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		checker.Register("database", database.SQLProbe(sqlDB))
		if infra.Redis != nil {
			checker.Register("redis", database.RedisProbe(infra.Redis))
		}
		return checker, nil
	}
}
