package middleware

import (
	"fmt"

	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"github.com/marketplace/chat-backend/internal/auth"
	"github.com/marketplace/chat-backend/internal/errors"
	"go.uber.org/zap"
)

// 认证通过后写入请求上下文的键
const (
	CtxUserEmail = "user_email"
	CtxUserRole  = "user_role"
)

// SecurityMiddleware 安全中间件
type SecurityMiddleware struct {
	jwtService   *auth.JWTService
	errorHandler *errors.ErrorHandler
	logger       *zap.Logger
}

// NewSecurityMiddleware 创建安全中间件
func NewSecurityMiddleware(jwtService *auth.JWTService, errorHandler *errors.ErrorHandler, logger *zap.Logger) *SecurityMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	if errorHandler == nil {
		errorHandler = errors.NewErrorHandler(logger, nil)
	}
	return &SecurityMiddleware{
		jwtService:   jwtService,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// AuthRequired 校验 Bearer token，把邮箱和角色放进上下文
func (sm *SecurityMiddleware) AuthRequired() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		claims, err := sm.authenticateJWT(ctx)
		if err != nil {
			sm.handleAuthError(ctx, errors.NewBusinessError(errors.ErrCodeUnauthorized, "Authentication required").WithCause(err))
			return
		}

		ctx.Input.SetData(CtxUserEmail, claims.Email)
		ctx.Input.SetData(CtxUserRole, claims.Role)
	}
}

// SecurityHeaders 安全头中间件
func (sm *SecurityMiddleware) SecurityHeaders() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		ctx.Output.Header("X-Content-Type-Options", "nosniff")
		ctx.Output.Header("X-Frame-Options", "DENY")
		ctx.Output.Header("Referrer-Policy", "strict-origin-when-cross-origin")
	}
}

// authenticateJWT JWT认证；EventSource 不能带请求头，流式接口允许 access_token 查询参数
func (sm *SecurityMiddleware) authenticateJWT(ctx *beecontext.Context) (*auth.JWTClaims, error) {
	tokenString := ctx.Input.Query("access_token")
	if tokenString == "" {
		var err error
		tokenString, err = auth.ExtractTokenFromHeader(ctx.Input.Header("Authorization"))
		if err != nil {
			return nil, fmt.Errorf("failed to extract token: %w", err)
		}
	}

	claims, err := sm.jwtService.ValidateToken(tokenString)
	if err != nil {
		sm.logger.Warn("JWT validation failed",
			zap.String("path", ctx.Input.URL()),
			zap.Error(err))
		return nil, fmt.Errorf("invalid JWT token: %w", err)
	}
	return claims, nil
}

// handleAuthError 处理认证错误，写出响应后beego不再执行控制器
func (sm *SecurityMiddleware) handleAuthError(ctx *beecontext.Context, err error) {
	sm.errorHandler.Handle(ctx.ResponseWriter, ctx.Request, err)
}
