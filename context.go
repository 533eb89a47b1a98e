package xconfbus

import (
	"context"

	"github.com/trickstertwo/xlog"
)

type ctxKey string

const (
	codecCtxKey  ctxKey = "xconfbus:codec"
	loggerCtxKey ctxKey = "xconfbus:logger"
	clockCtxKey  ctxKey = "xconfbus:clock"
	windowCtxKey ctxKey = "xconfbus:window"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext returns the bus codec available to window handlers.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(codecCtxKey).(Codec)
	return c, ok && c != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger)
	return l, ok && l != nil
}

func injectClock(ctx context.Context, c Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (Clock, bool) {
	c, ok := ctx.Value(clockCtxKey).(Clock)
	return c, ok && c != nil
}

// WithWindow tags ctx with the label of the window handling a notification.
func WithWindow(ctx context.Context, window string) context.Context {
	return context.WithValue(ctx, windowCtxKey, window)
}

// WindowFromContext returns the label set by WithWindow.
func WindowFromContext(ctx context.Context) (string, bool) {
	w, ok := ctx.Value(windowCtxKey).(string)
	return w, ok && w != ""
}

// InjectAll injects codec, logger and clock in one call.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
