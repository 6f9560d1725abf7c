package internal

import (
	"context"
	"time"
)

// DefaultCallTimeout bounds an outbound call when no timeout is configured.
const DefaultCallTimeout = 15 * time.Second

type ctxKey int

const (
	userIDKey ctxKey = iota
	requestIDKey
)

func UserIDFromContext(ctx context.Context) string {
	return stringValue(ctx, userIDKey)
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithTimeout bounds a gateway or collaborator call.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = DefaultCallTimeout
	}
	return context.WithTimeout(ctx, duration)
}
