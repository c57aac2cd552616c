package bootstrap

import (
	"context"
	"log"
	"os"

	"github.com/coder/quartz"
	"github.com/joho/godotenv"
	"github.com/marketplace/chat-backend/app/controllers"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/database"
	"github.com/marketplace/chat-backend/internal/di"
	"github.com/marketplace/chat-backend/internal/kafka"
	"github.com/marketplace/chat-backend/internal/llm"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/realtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Services     *controllers.Services
	cleanupTasks []func() error
	cancel       context.CancelFunc
}

// Init bootstraps configuration, logger, database connections and other shared
// infrastructure components required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize structured logger.
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	// Load dynamic configuration.
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	config.WatchConfig(func(cfg *config.Config) {
		logger.Info("Configuration reloaded",
			zap.Int("quota_daily_limit", cfg.Quota.DailyLimit),
			zap.Bool("auto_mark_read", cfg.Chat.AutoMarkRead))
	})
	cfg := config.GetAppConfig()

	app := &App{}
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	// Initialize database.
	db, err := database.InitDB()
	if err != nil {
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, database.CloseDB)

	clock := quartz.NewReal()
	metered := llm.NewOpenAIClient(cfg.AI.OpenAIAPIKey, cfg.AI.BaseURL)
	infra := di.Infrastructure{
		DB:           db,
		LLM:          llm.NewBreakerClient(metered, cfg.AI.BreakerFailures, cfg.AI.BreakerCooldown, clock),
		Registerer:   prometheus.DefaultRegisterer,
		Gatherer:     prometheus.DefaultGatherer,
		Config:       config.GetAppConfig,
		Clock:        clock,
		Logger:       logger.GetLogger(),
		HealthLogger: newHealthLogger(),
	}

	// Initialize Redis (optional). Without it live updates stay in-process.
	if rdb, err := database.InitRedis(); err != nil {
		logger.Warn("Failed to initialize Redis, falling back to in-process hub", zap.Error(err))
	} else if rdb != nil {
		infra.Redis = rdb
	}

	// Initialize Kafka (optional). Failure shouldn't block the app.
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		} else {
			infra.Events = producer
			app.cleanupTasks = append(app.cleanupTasks, producer.Close)
		}
	}

	if !infra.LLM.Ready() {
		logger.Warn("OpenAI API key not configured, assistant will only answer quick questions")
	}

	container, err := di.Build(infra)
	if err != nil {
		return nil, err
	}

	deps, err := controllers.NewControllerFactory(container).Services()
	if err != nil {
		return nil, err
	}
	app.Services = deps

	if infra.Redis != nil {
		app.cleanupTasks = append(app.cleanupTasks, database.CloseRedis)
		hub, err := di.Resolve[realtime.Hub]()
		if err != nil {
			return nil, err
		}
		app.cleanupTasks = append(app.cleanupTasks, hub.Close)
	}

	deps.Health.Start(ctx)
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		deps.Health.Stop()
		return nil
	})

	if admins, err := deps.Broadcast.Admins(ctx); err != nil {
		logger.Warn("Failed to load admin accounts", zap.Error(err))
	} else if len(admins) == 0 {
		logger.Warn("No admin account found, support contact and broadcast are unavailable")
	}

	return app, nil
}

func newHealthLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}

	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
