package xconfbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*ConfigBus)(nil)

// Clock supplies wall time for message timestamps. xclock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// ConfigBus keeps the latest message per topic and fans every broadcast out
// to the windows subscribed on the Transport.
//
// One bus is constructed by the application and handed to each window; there
// is no package-level instance.
type ConfigBus struct {
	transport    Transport
	codec        Codec
	clock        Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	table        *latestTable
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

type busMetrics struct {
	broadcastCount atomic.Uint64
	syncCount      atomic.Uint64
	deliverCount   atomic.Uint64
	ackCount       atomic.Uint64
	nackCount      atomic.Uint64
	emitFailures   atomic.Uint64
	errorCount     atomic.Uint64
	processingNs   atomic.Int64
}

// Codec returns the configured codec.
func (b *ConfigBus) Codec() Codec { return b.codec }

// Logger returns the bus logger.
func (b *ConfigBus) Logger() *xlog.Logger { return b.logger }

// Broadcast stores payload as the latest value of topic and notifies every
// window subscribed to it.
//
// The store happens first and is never rolled back: when notification fails
// the returned error matches ErrEmitFailure and GetLatest already reflects
// the new message. Subscribers receive the same *ConfigMessage that is stored.
//
// Notification runs after the table lock is released, so concurrent
// broadcasts on one topic may reach a window in a different order than they
// were stored. Seq follows the store order; a subscriber that keeps the
// highest Seq it has seen ends on the message GetLatest returns.
func (b *ConfigBus) Broadcast(ctx context.Context, topic string, payload Value, sourceWindow string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if topic == ConfigRequestTopic {
		return ErrReservedTopic
	}

	ts, err := b.nowMillis()
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Error().Err(err).Str("topic", topic).Msg("xconfbus: broadcast rejected")
		return err
	}

	b.metrics.broadcastCount.Add(1)
	start := b.clock.Now()
	b.notifyAsync(Event{Type: BroadcastStart, Topic: topic, Source: sourceWindow})

	var msg *ConfigMessage
	err = b.table.withLock(func(entries map[string]*ConfigMessage) {
		// keep timestamps non-decreasing per topic even if the wall clock steps back
		var seq uint64 = 1
		if prev, ok := entries[topic]; ok {
			if prev.Timestamp > ts {
				ts = prev.Timestamp
			}
			seq = prev.Seq + 1
		}
		msg = &ConfigMessage{
			ID:           uuid.NewString(),
			EventType:    topic,
			Payload:      payload,
			SourceWindow: sourceWindow,
			Timestamp:    ts,
			Seq:          seq,
		}
		entries[topic] = msg
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Error().Err(err).Str("topic", topic).Msg("xconfbus: latest-value table unusable")
		return err
	}

	err = b.emit(ctx, topic, msg)

	duration := b.clock.Now().Sub(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{
		Type:      BroadcastDone,
		Topic:     topic,
		MessageID: msg.ID,
		Source:    sourceWindow,
		Duration:  duration,
		Err:       err,
	})
	return err
}

// BroadcastAny converts payload with the bus codec and broadcasts it.
func (b *ConfigBus) BroadcastAny(ctx context.Context, topic string, payload any, sourceWindow string) error {
	v, err := ValueOf(b.codec, payload)
	if err != nil {
		return err
	}
	return b.Broadcast(ctx, topic, v, sourceWindow)
}

// GetLatest returns the stored message for topic, or nil if nothing was ever
// broadcast on it.
func (b *ConfigBus) GetLatest(topic string) (*ConfigMessage, error) {
	msg, err := b.table.get(topic)
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Error().Err(err).Str("topic", topic).Msg("xconfbus: latest-value table unusable")
		return nil, err
	}
	return msg, nil
}

// RequestSync asks every window to re-broadcast the topics it owns. It emits
// on ConfigRequestTopic with an empty map payload and never touches the
// latest-value table. Responses are not correlated or awaited.
func (b *ConfigBus) RequestSync(ctx context.Context, requestingWindow string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	ts, err := b.nowMillis()
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Error().Err(err).Str("window", requestingWindow).Msg("xconfbus: sync request rejected")
		return err
	}

	b.metrics.syncCount.Add(1)
	msg := &ConfigMessage{
		ID:           uuid.NewString(),
		EventType:    ConfigRequestTopic,
		Payload:      EmptyMap(),
		SourceWindow: requestingWindow,
		Timestamp:    ts,
	}
	err = b.emit(ctx, ConfigRequestTopic, msg)
	b.notifyAsync(Event{
		Type:      SyncRequested,
		Topic:     ConfigRequestTopic,
		MessageID: msg.ID,
		Source:    requestingWindow,
		Err:       err,
	})
	return err
}

// Snapshot returns a copy of the latest-value table.
func (b *ConfigBus) Snapshot() (map[string]*ConfigMessage, error) {
	return b.table.snapshot()
}

// Topics returns the sorted list of topics that have a stored value.
func (b *ConfigBus) Topics() ([]string, error) {
	return b.table.topics()
}

func (b *ConfigBus) emit(ctx context.Context, topic string, msg *ConfigMessage) error {
	if err := b.transport.Publish(ctx, topic, msg); err != nil {
		b.metrics.emitFailures.Add(1)
		b.logger.Warn().Err(err).Str("topic", topic).Str("message_id", msg.ID).Msg("xconfbus: emit failed")
		return &EmitError{Topic: topic, Err: err}
	}
	return nil
}

func (b *ConfigBus) nowMillis() (uint64, error) {
	now := b.clock.Now()
	if now.IsZero() || now.Before(time.Unix(0, 0)) {
		return 0, ErrClockUnavailable
	}
	return uint64(now.UnixMilli()), nil
}

// Subscribe registers window for notifications on topic. Every distinct
// window receives each message; subscriptions sharing a window label split
// the work between them.
func (b *ConfigBus) Subscribe(ctx context.Context, topic, window string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || window == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	wh := Chain(RecoveryMiddleware()(handler), b.middlewares...)
	hctx := WithWindow(InjectAll(ctx, b.codec, b.logger, b.clock), window)

	return b.transport.Subscribe(ctx, topic, window, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Str("topic", topic).Str("window", window).Msg("xconfbus: handler panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.deliverCount.Add(1)
		msg := d.Message()
		b.notifyAsync(Event{Type: DeliverStart, Topic: topic, Window: window, MessageID: msg.ID, Source: msg.SourceWindow})

		start := b.clock.Now()
		err := wh(hctx, msg)
		duration := b.clock.Now().Sub(start)
		b.recordProcessingTime(duration.Nanoseconds())

		b.notifyAsync(Event{
			Type:      DeliverDone,
			Topic:     topic,
			Window:    window,
			MessageID: msg.ID,
			Source:    msg.SourceWindow,
			Duration:  duration,
			Err:       err,
		})
		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notifyAsync(Event{Type: Ack, Topic: topic, Window: window, MessageID: msg.ID})
			return
		}
		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		b.notifyAsync(Event{Type: Nack, Topic: topic, Window: window, MessageID: msg.ID, Err: err})
	})
}

func (b *ConfigBus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	var err error
	if ack {
		err = d.Ack(actx)
	} else {
		err = d.Nack(actx, reason)
	}
	if err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Window: d.Window(), Err: err})
		b.logger.Warn().Err(err).Str("window", d.Window()).Msg("xconfbus: ack/nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *ConfigBus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	// a poisoned table reports no topics
	topics, _ := b.table.size()
	return Metrics{
		Broadcasts:          b.metrics.broadcastCount.Load(),
		SyncRequests:        b.metrics.syncCount.Load(),
		Delivered:           b.metrics.deliverCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		EmitFailures:        b.metrics.emitFailures.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		Topics:              topics,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once closed or poisoned, "degraded" when more
// than 5% of emits failed.
func (b *ConfigBus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}
	metrics := b.GetMetrics()
	if b.table.isPoisoned() {
		return HealthStatus{Status: "unhealthy", Metrics: metrics, Timestamp: now, Message: ErrLockPoisoned.Error()}
	}

	status := "healthy"
	emits := metrics.Broadcasts + metrics.SyncRequests
	if metrics.EmitFailures > 0 && emits > 0 {
		if float64(metrics.EmitFailures)/float64(emits) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Close shuts down the observer pool and the transport. Idempotent.
// Stored values stay readable through GetLatest.
func (b *ConfigBus) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xconfbus: observer pool shutdown timeout")
				closeErr = err
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xconfbus: transport close failed")
			closeErr = err
		}
	})
	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *ConfigBus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. obs must be comparable; ObserverFunc
// values cannot be removed.
func (b *ConfigBus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	for i, o := range b.observers {
		if reflect.TypeOf(o) == reflect.TypeOf(obs) && o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

func (b *ConfigBus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average (alpha 0.2).
func (b *ConfigBus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
