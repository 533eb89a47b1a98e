package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xconfbus"
	"github.com/trickstertwo/xlog"
)

// Use builds a ConfigBus on the in-memory transport. The caller owns the
// returned bus and hands it to its windows; nothing is installed globally.
//
// Example:
//
//	bus := memory.Use(memory.Config{BufferSize: 512},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//	defer bus.Close(context.Background())
func Use(cfg Config, opts ...Option) *xconfbus.ConfigBus {
	bb := xconfbus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus
}

// Option configures the bus when calling Use.
type Option func(*xconfbus.BusBuilder)

func WithLogger(l *xlog.Logger) Option {
	return func(b *xconfbus.BusBuilder) { b.WithLogger(l) }
}

func WithClock(c xconfbus.Clock) Option {
	return func(b *xconfbus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name ("json" or "go-json").
func WithCodec(name string) Option {
	return func(b *xconfbus.BusBuilder) { b.WithCodec(name) }
}

func WithMiddleware(mw ...xconfbus.Middleware) Option {
	return func(b *xconfbus.BusBuilder) { b.WithMiddleware(mw...) }
}

func WithAckTimeout(d time.Duration) Option {
	return func(b *xconfbus.BusBuilder) { b.WithAckTimeout(d) }
}

func WithObserver(obs ...xconfbus.Observer) Option {
	return func(b *xconfbus.BusBuilder) { b.WithObserver(obs...) }
}

func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xconfbus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
