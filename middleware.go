package xconfbus

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig controls redelivery attempts inside a window handler. The bus
// itself never retries a broadcast.
type RetryConfig struct {
	// MaxAttempts counts the first execution; values below 1 mean a single attempt.
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// RetryIf selects retryable errors; nil retries everything.
	RetryIf func(err error) bool
	// Jitter adds a random delay in [0, Jitter) to each wait.
	Jitter time.Duration
}

// RetryMiddleware re-runs a failing handler up to cfg.MaxAttempts times.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = func(error) bool { return true }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ConfigMessage) error {
			var err error
			for attempt := 1; ; attempt++ {
				if err = next(ctx, msg); err == nil {
					return nil
				}
				if attempt >= attempts || ctx.Err() != nil || !retryIf(err) {
					return err
				}
				if cfg.Backoff == nil {
					continue
				}
				wait := cfg.Backoff(attempt)
				if cfg.Jitter > 0 {
					wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return err
				case <-t.C:
				}
			}
		}
	}
}

// TimeoutMiddleware bounds handler execution. On expiry the handler result is
// abandoned and the deadline error is returned, which nacks the delivery.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ConfigMessage) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ConfigMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// SkipSource drops notifications that originated from window, so a window
// does not react to its own broadcasts. Skipped messages are acked.
func SkipSource(window string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *ConfigMessage) error {
			if window != "" && msg.SourceWindow == window {
				return nil
			}
			return next(ctx, msg)
		}
	}
}

// Chain wraps h so that mws[0] is the outermost layer.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
