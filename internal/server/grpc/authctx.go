package grpcserver

import (
	"context"
)

type ctxKey string

const adminKey ctxKey = "miniapp.admin"

// WithAdmin stores the authenticated operator subject in context.
func WithAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminKey, subject)
}

// AdminFromCtx fetches the operator subject from context.
func AdminFromCtx(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(adminKey).(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
