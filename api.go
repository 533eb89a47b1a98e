package xconfbus

import (
	"context"
)

// Handler processes a single notification. Return error to trigger Nack.
type Handler func(ctx context.Context, msg *ConfigMessage) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active window subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received notification with Ack/Nack semantics.
type Delivery interface {
	Message() *ConfigMessage
	Window() string
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the notification channel between the bus and the windows.
// Every distinct window subscribed to a topic receives each message.
type Transport interface {
	Publish(ctx context.Context, topic string, msgs ...*ConfigMessage) error
	Subscribe(ctx context.Context, topic, window string, handler func(Delivery)) (Subscription, error)
	Close(ctx context.Context) error
}

// Codec is the Strategy for converting between Go values and payload bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API is the surface handed to window handlers.
type API interface {
	Broadcast(ctx context.Context, topic string, payload Value, sourceWindow string) error
	GetLatest(topic string) (*ConfigMessage, error)
	RequestSync(ctx context.Context, requestingWindow string) error
	Subscribe(ctx context.Context, topic, window string, handler Handler) (Subscription, error)
	Codec() Codec
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*ConfigBus)(nil)
