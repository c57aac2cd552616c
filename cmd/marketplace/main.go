package main

import (
	"log"
	"net"

	"github.com/beego/beego/v2/server/web"
	"github.com/marketplace/chat-backend/app/bootstrap"
	"github.com/marketplace/chat-backend/app/middleware"
	"github.com/marketplace/chat-backend/app/router"
	"github.com/marketplace/chat-backend/internal/auth"
	"github.com/marketplace/chat-backend/internal/config"
	"github.com/marketplace/chat-backend/internal/di"
	"github.com/marketplace/chat-backend/internal/logger"
	"github.com/marketplace/chat-backend/internal/metrics"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	cfg := config.GetAppConfig()
	deps := app.Services

	// 配置Beego全局设置
	web.BConfig.AppName = "Marketplace Chat"
	web.BConfig.CopyRequestBody = true
	// panic 交给统一错误处理中间件
	web.BConfig.RecoverPanic = false
	if cfg.Server.Env == "production" {
		web.BConfig.RunMode = web.PROD
	}

	jwtService, err := di.Resolve[*auth.JWTService]()
	if err != nil {
		log.Fatalf("failed to resolve http dependencies: %v", err)
	}
	m, err := di.Resolve[*metrics.Metrics]()
	if err != nil {
		log.Fatalf("failed to resolve http dependencies: %v", err)
	}

	handlers := web.BeeApp.Handlers
	security := middleware.NewSecurityMiddleware(jwtService, deps.Errors, logger.Named("auth"))
	manager := middleware.NewMiddlewareManager(logger.Named("access"), m, security)
	manager.SetupDefaultMiddlewares(cfg.Server.AllowedOrigins)
	if err := manager.ApplyAllFilters(handlers); err != nil {
		log.Fatalf("failed to register filters: %v", err)
	}

	routes, err := router.Register(handlers, deps)
	if err != nil {
		log.Fatalf("failed to register routes: %v", err)
	}

	logger.Info("Starting marketplace chat service",
		zap.String("port", cfg.Server.Port),
		zap.Int("routes", len(routes.GetAllRoutes())))

	web.RunWithMiddleWares(net.JoinHostPort("", cfg.Server.Port), deps.Errors.Middleware)
}
