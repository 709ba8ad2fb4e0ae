package logger

import (
	"context"

	"go.uber.org/zap"
)

type loggerContextKey struct{}

// NewContextWithLogger returns a copy of ctx carrying log. HTTP middleware
// uses it to hand request scoped loggers to handlers.
func NewContextWithLogger(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, log)
}

// FromContext returns the logger carried by ctx, or nil.
func FromContext(ctx context.Context) *zap.Logger {
	log, _ := ctx.Value(loggerContextKey{}).(*zap.Logger)
	return log
}
