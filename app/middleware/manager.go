package middleware

import (
	"strconv"
	"time"

	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"github.com/marketplace/chat-backend/internal/errors"
	"github.com/marketplace/chat-backend/internal/metrics"
	"go.uber.org/zap"
)

const ctxRequestStart = "request_start"

type routeFilter struct {
	pattern string
	filter  web.FilterFunc
}

// MiddlewareManager 统一注册过滤器
type MiddlewareManager struct {
	logger       *zap.Logger
	metrics      *metrics.Metrics
	security     *SecurityMiddleware
	globalFilter []web.FilterFunc
	routeFilter  []routeFilter
}

// NewMiddlewareManager 创建中间件管理器
func NewMiddlewareManager(logger *zap.Logger, m *metrics.Metrics, security *SecurityMiddleware) *MiddlewareManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &MiddlewareManager{
		logger:   logger,
		metrics:  m,
		security: security,
	}
}

// AddGlobalFilter 添加全局过滤器
func (mm *MiddlewareManager) AddGlobalFilter(filter web.FilterFunc) {
	mm.globalFilter = append(mm.globalFilter, filter)
}

// AddRouteFilter 添加路由过滤器
func (mm *MiddlewareManager) AddRouteFilter(pattern string, filter web.FilterFunc) {
	mm.routeFilter = append(mm.routeFilter, routeFilter{pattern: pattern, filter: filter})
}

// SetupDefaultMiddlewares 默认过滤器：计时、安全头、CORS，API 需要登录
func (mm *MiddlewareManager) SetupDefaultMiddlewares(allowedOrigins []string) {
	mm.AddGlobalFilter(mm.startTimer())
	mm.AddGlobalFilter(mm.security.SecurityHeaders())
	mm.AddGlobalFilter(CORSFilter(allowedOrigins))

	mm.AddRouteFilter("/api/*", mm.security.AuthRequired())
}

// ApplyAllFilters 注册到给定的路由器
func (mm *MiddlewareManager) ApplyAllFilters(handlers *web.ControllerRegister) error {
	for _, filter := range mm.globalFilter {
		if err := handlers.InsertFilter("/*", web.BeforeRouter, filter); err != nil {
			return err
		}
	}
	for _, rf := range mm.routeFilter {
		if err := handlers.InsertFilter(rf.pattern, web.BeforeRouter, rf.filter); err != nil {
			return err
		}
	}
	// 出错或已写出响应的请求也要记录
	return handlers.InsertFilter("/*", web.FinishRouter, mm.requestCompleted(), web.WithReturnOnOutput(false))
}

func (mm *MiddlewareManager) startTimer() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		ctx.Input.SetData(ctxRequestStart, time.Now())
	}
}

// requestCompleted 记录请求日志和耗时
func (mm *MiddlewareManager) requestCompleted() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		start, ok := ctx.Input.GetData(ctxRequestStart).(time.Time)
		if !ok {
			return
		}
		duration := time.Since(start)

		status := ctx.ResponseWriter.Status
		if status == 0 {
			status = 200
		}
		route := ctx.Input.GetData("RouterPattern")
		pattern, _ := route.(string)
		if pattern == "" {
			pattern = "unmatched"
		}
		mm.metrics.RequestDuration.
			WithLabelValues(ctx.Input.Method(), pattern, strconv.Itoa(status)).
			Observe(duration.Seconds())

		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("remote_addr", errors.ClientIP(ctx.Request)),
		}
		switch {
		case status >= 500:
			mm.logger.Error("Request completed", fields...)
		case status >= 400:
			mm.logger.Warn("Request completed", fields...)
		default:
			mm.logger.Debug("Request completed", fields...)
		}
	}
}
