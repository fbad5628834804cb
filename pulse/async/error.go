package async

import (
	"context"
	"strings"

	"github.com/teranos/bookenrich/errors"
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeMalformedItem       ErrorCode = "malformed_item"
	ErrorCodeProviderUnavailable ErrorCode = "provider_unavailable"
	ErrorCodeRateLimited         ErrorCode = "rate_limited"
	ErrorCodeDatabaseError       ErrorCode = "database_error"
	ErrorCodeValidationError     ErrorCode = "validation_error"
	ErrorCodeDetectorError       ErrorCode = "detector_error"
	ErrorCodeCanceled            ErrorCode = "canceled"
	ErrorCodeTimeout             ErrorCode = "timeout"
	ErrorCodeUnknown             ErrorCode = "unknown"
)

// ErrorContext provides structured error information for item and job failures
type ErrorContext struct {
	Stage       string    `json:"stage"`     // Where the error occurred
	Code        ErrorCode `json:"code"`      // Error classification
	Message     string    `json:"message"`   // Human-readable message
	Retryable   bool      `json:"retryable"` // Could resubmitting succeed?
	Recoverable bool      `json:"-"`         // Can the job continue with other items?
}

// ClassifyError categorizes an error. Sentinels are checked first; raw
// driver and network errors fall back to message patterns.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{
			Stage:   stage,
			Code:    ErrorCodeUnknown,
			Message: "unknown error",
		}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Message: err.Error(),
	}

	switch {
	case errors.Is(err, errors.ErrMalformedItem):
		ctx.Code = ErrorCodeMalformedItem
		ctx.Recoverable = true

	case errors.Is(err, errors.ErrRateLimited):
		ctx.Code = ErrorCodeRateLimited
		ctx.Retryable = true
		ctx.Recoverable = true

	case errors.Is(err, errors.ErrProviderUnavailable):
		ctx.Code = ErrorCodeProviderUnavailable
		ctx.Retryable = true
		ctx.Recoverable = true

	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCanceled

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true
		ctx.Recoverable = true

	case errors.Is(err, errors.ErrServiceUnavailable):
		ctx.Code = ErrorCodeDetectorError
		ctx.Retryable = true

	case errors.Is(err, errors.ErrInvalidRequest):
		ctx.Code = ErrorCodeValidationError
		ctx.Recoverable = true

	default:
		errLower := strings.ToLower(ctx.Message)
		switch {
		case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
			ctx.Code = ErrorCodeDatabaseError
			ctx.Retryable = true
		case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out"):
			ctx.Code = ErrorCodeTimeout
			ctx.Retryable = true
			ctx.Recoverable = true
		case strings.Contains(errLower, "invalid") || strings.Contains(errLower, "parse"):
			ctx.Code = ErrorCodeValidationError
			ctx.Recoverable = true
		default:
			ctx.Code = ErrorCodeUnknown
			ctx.Retryable = true
		}
	}

	return ctx
}
