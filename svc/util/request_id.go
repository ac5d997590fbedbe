package util

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// GetRequestID returns "" outside a request scope.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFrom keeps an upstream X-Request-ID when it is a UUID and mints
// a new one otherwise, so arbitrary client strings never reach the logs.
func RequestIDFrom(header string) string {
	if id, err := uuid.Parse(header); err == nil {
		return id.String()
	}
	return NewRequestID()
}
