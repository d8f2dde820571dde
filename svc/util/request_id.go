package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}
func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom keeps a caller supplied id when it is a well formed UUID and
// mints a new one otherwise.
func RequestIDFrom(header string) string {
	if u, err := uuid.Parse(header); err == nil {
		return u.String()
	}
	return NewRequestID()
}
