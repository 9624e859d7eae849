package common

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// DefaultOperationTimeout bounds short operations such as loading the configuration
const DefaultOperationTimeout = 30 * time.Second

// DefaultDNSLookupTimeout is the default timeout for DNS lookup operations
const DefaultDNSLookupTimeout = 5 * time.Second

// WithOperationTimeout creates a context with the default operation timeout
func WithOperationTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultOperationTimeout)
}

// WithRequestID adds a unique request ID to the context for tracing
func WithRequestID(parent context.Context) context.Context {
	return context.WithValue(parent, ContextKeyRequestID, generateRequestID())
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return "unknown"
}

// WithCertID tags the context with the managed certificate being processed
func WithCertID(parent context.Context, id string) context.Context {
	return context.WithValue(parent, ContextKeyCertID, id)
}

// GetCertID retrieves the managed certificate id from the context
func GetCertID(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyCertID).(string); ok {
		return id
	}
	return ""
}

// WithOperation adds operation information to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, ContextKeyOperation, operation)
}

// IsContextCanceled checks if the context has been canceled or timed out
func IsContextCanceled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// GetContextError returns an ApplicationError describing why ctx ended, nil while it is live.
// Without an explicit operation the one recorded by WithOperation is used.
func GetContextError(ctx context.Context, operation string) *ApplicationError {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if operation == "" {
		operation, _ = ctx.Value(ContextKeyOperation).(string)
	}

	errorType, message := ErrorTypeValidation, "Operation was canceled"
	if err == context.DeadlineExceeded {
		errorType, message = ErrorTypeNetwork, "Operation timed out"
	}

	appErr := NewApplicationError(errorType, operation, message).
		AddContext("context_error", err.Error()).
		AddContext("request_id", GetRequestID(ctx))
	if certID := GetCertID(ctx); certID != "" {
		_ = appErr.AddContext("cert_id", certID)
	}

	if err == context.DeadlineExceeded {
		_ = appErr.AddSuggestion("Increase timeout values if the operation needs more time").
			AddSuggestion("Check network connectivity and server responsiveness")
	} else {
		_ = appErr.AddSuggestion("Check if the operation was intentionally canceled")
	}
	return appErr
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("req_%x", bytes)
}

// CreateCertOperationContext creates a traced context for work on one managed certificate.
// No timeout is applied, a renewal is bounded by its individual steps.
func CreateCertOperationContext(parent context.Context, operation, certID string) context.Context {
	ctx := WithRequestID(parent)
	ctx = WithOperation(ctx, operation)
	return WithCertID(ctx, certID)
}
