package errors

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL SQLSTATE
const (
	pgInsufficientPrivilege = "42501"
	pgUniqueViolation       = "23505"
	pgForeignKeyViolation   = "23503"
)

// ErrorTranslator 错误转换器
type ErrorTranslator struct{}

// NewErrorTranslator 创建错误转换器
func NewErrorTranslator() *ErrorTranslator {
	return &ErrorTranslator{}
}

// Translate 将存储层、校验、网络错误转换为AppError
func (t *ErrorTranslator) Translate(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return t.translateValidationErrors(validationErrors)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewNotFoundError("Record").WithCause(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgInsufficientPrivilege:
			return NewPermissionDeniedError("Permission denied").WithCause(err)
		case pgUniqueViolation:
			return NewBusinessError(ErrCodeConflict, "Resource already exists").WithCause(err)
		case pgForeignKeyViolation:
			return NewValidationError("Referenced resource does not exist").WithCause(err)
		}
		return NewSystemError(ErrCodeDatabaseError, "Database error").WithCause(err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewSystemError(ErrCodeTimeout, "Operation timed out").WithCause(err)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewSystemError(ErrCodeTimeout, "Operation timed out").WithCause(err)
		}
		return NewSystemError(ErrCodeExternalService, "Network error").WithCause(err)
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "permission denied") {
		return NewPermissionDeniedError("Permission denied").WithCause(err)
	}
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "bad connection") {
		return NewSystemError(ErrCodeExternalService, "Store unavailable").WithCause(err)
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}

func (t *ErrorTranslator) translateValidationErrors(validationErrors validator.ValidationErrors) *AppError {
	details := make([]map[string]interface{}, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		details = append(details, map[string]interface{}{
			"field":   fieldError.Field(),
			"tag":     fieldError.Tag(),
			"message": validationMessage(fieldError),
		})
	}

	return NewValidationError("Validation failed").WithDetails(map[string]interface{}{
		"errors": details,
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email"
	case "max":
		return fe.Field() + " is too long"
	case "min":
		return fe.Field() + " is too short"
	default:
		return fe.Field() + " is invalid"
	}
}

// IsNotFound 记录不存在
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorTranslator().Translate(err).Code == ErrCodeResourceNotFound
}

// IsPermissionDenied 存储层权限错误
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorTranslator().Translate(err).Code == ErrCodePermissionDenied
}

// IsValidation 校验类错误
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	return NewErrorTranslator().Translate(err).Type == ErrorTypeValidation
}
