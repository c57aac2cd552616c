package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrorHandler 错误处理器：转换为统一的JSON错误响应并记录
type ErrorHandler struct {
	logger  *zap.Logger
	counter *prometheus.CounterVec
}

// NewErrorHandler 创建错误处理器，counter 的标签为 code、type，可以为 nil
func NewErrorHandler(logger *zap.Logger, counter *prometheus.CounterVec) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{
		logger:  logger,
		counter: counter,
	}
}

// Response 构建错误响应体，返回HTTP状态码
func (h *ErrorHandler) Response(method, path string, err error) (int, map[string]interface{}) {
	appErr := GetAppError(err)
	h.record(method, path, appErr)

	body := map[string]interface{}{
		"code":    string(appErr.Code),
		"message": appErr.Message,
		"type":    getErrorTypeString(appErr.Type),
	}
	if appErr.Details != nil && shouldIncludeDetails(appErr) {
		body["details"] = appErr.Details
	}

	status := appErr.HTTPCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, map[string]interface{}{
		"success": false,
		"error":   body,
	}
}

// Handle 处理错误并转换为HTTP响应
func (h *ErrorHandler) Handle(w http.ResponseWriter, r *http.Request, err error) {
	status, response := h.Response(r.Method, r.URL.Path, err)

	jsonResponse, jsonErr := json.Marshal(response)
	if jsonErr != nil {
		h.logger.Error("Failed to marshal error response", zap.Error(jsonErr))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"success":false,"error":{"code":"INTERNAL_SERVER_ERROR","message":"Failed to process error response"}}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(jsonResponse)
}

// Middleware panic 转为500错误响应
func (h *ErrorHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				h.logger.Error("Panic recovered",
					zap.Any("panic", recovered),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				err := fmt.Errorf("panic recovered: %v", recovered)
				h.Handle(w, r, NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (h *ErrorHandler) record(method, path string, appErr *AppError) {
	typ := getErrorTypeString(appErr.Type)
	if h.counter != nil {
		h.counter.WithLabelValues(string(appErr.Code), typ).Inc()
	}

	fields := []zap.Field{
		zap.String("error_code", string(appErr.Code)),
		zap.String("error_type", typ),
		zap.Int("http_code", appErr.HTTPCode),
		zap.String("method", method),
		zap.String("path", path),
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.String("cause", appErr.Cause.Error()))
	}

	// 根据错误类型选择日志级别
	switch appErr.Type {
	case ErrorTypeSystem:
		h.logger.Error(appErr.Message, fields...)
	case ErrorTypeBusiness, ErrorTypeExternal:
		h.logger.Warn(appErr.Message, fields...)
	default:
		h.logger.Info(appErr.Message, fields...)
	}
}

// getErrorTypeString 获取错误类型字符串
func getErrorTypeString(errorType ErrorType) string {
	switch errorType {
	case ErrorTypeSystem:
		return "system"
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// shouldIncludeDetails 系统错误和外部错误不暴露详情
func shouldIncludeDetails(appErr *AppError) bool {
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeBusiness:
		return true
	default:
		return false
	}
}

// ClientIP 优先取代理头中的第一个地址
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
