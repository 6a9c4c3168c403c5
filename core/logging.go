package core

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

var baseLogger *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	baseLogger = l.Sugar()
}

// WithDefaultLogger attaches a request-scoped logger to the context.
func WithDefaultLogger(parent context.Context, reqID string) context.Context {
	return context.WithValue(parent, loggerKey{}, baseLogger.With("req", reqID))
}

func logger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return baseLogger
}

func Infof(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Infof(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	logger(ctx).Debugf(tpl, args...)
}
