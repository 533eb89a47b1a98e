package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xconfbus"
)

const TransportName = "memory"

// DefaultEnqueueTimeout is how long Publish waits for room in a full window
// queue when Config.EnqueueTimeout is zero.
const DefaultEnqueueTimeout = 50 * time.Millisecond

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xconfbus.RegisterTransport(TransportName, func(cfg map[string]any) (xconfbus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xconfbus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-window queue size (default: 256).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	// Values above 1 give up per-window ordering.
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a nacked message (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries bounds redelivery of a nacked message per window
	// (default: 3; negative disables redelivery).
	MaxRedeliveries int
	// EnqueueTimeout bounds how long Publish waits on a full window queue
	// before reporting that window as failed (default: DefaultEnqueueTimeout;
	// negative fails at once). Publish never waits longer, whatever ctx says.
	EnqueueTimeout time.Duration
}

// ConfigFromMap reads the builder's transport settings. Missing keys take the
// documented defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 256)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxRedeliveries: max(0, getInt("max_redeliveries", 3)),
		EnqueueTimeout:  getDur("enqueue_timeout", DefaultEnqueueTimeout),
	}
}

// toMap leaves zero fields out so ConfigFromMap applies its defaults.
func (c Config) toMap() map[string]any {
	m := make(map[string]any, 5)
	if c.BufferSize > 0 {
		m["buffer_size"] = c.BufferSize
	}
	if c.Concurrency > 0 {
		m["concurrency"] = c.Concurrency
	}
	if c.RedeliveryDelay > 0 {
		m["redelivery_delay"] = c.RedeliveryDelay
	}
	if c.MaxRedeliveries != 0 {
		m["max_redeliveries"] = c.MaxRedeliveries
	}
	if c.EnqueueTimeout != 0 {
		m["enqueue_timeout"] = c.EnqueueTimeout
	}
	return m
}

// Transport delivers notifications to in-process windows through buffered
// channels. Each window subscribed to a topic owns one queue; every queue
// receives every message published on the topic.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	enqueued    atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	failed      atomic.Uint64
}

var _ xconfbus.Transport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.EnqueueTimeout == 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		metrics: &transportMetrics{},
	}
}

// Publish enqueues every message for every window subscribed to topic. A topic
// without windows is a successful no-op. Windows that cannot accept the
// message are reported together; the others still receive it.
func (t *Transport) Publish(ctx context.Context, topicName string, msgs ...*xconfbus.ConfigMessage) error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		t.metrics.published.Add(uint64(len(msgs)))
		return nil
	}

	top.mu.RLock()
	windows := make([]*window, 0, len(top.windows))
	for _, w := range top.windows {
		windows = append(windows, w)
	}
	top.mu.RUnlock()

	var errs []error
	for _, m := range msgs {
		if m == nil {
			continue
		}
		for _, w := range windows {
			if err := t.enqueue(ctx, w, &deliveryTask{topic: topicName, window: w, msg: m}); err != nil {
				t.metrics.failed.Add(1)
				errs = append(errs, fmt.Errorf("window %q: %w", w.name, err))
			}
		}
		t.metrics.published.Add(1)
	}
	return errors.Join(errs...)
}

func (t *Transport) enqueue(ctx context.Context, w *window, task *deliveryTask) error {
	if w.closed.Load() {
		return errWindowClosed
	}
	select {
	case w.queue <- task:
		t.metrics.enqueued.Add(1)
		return nil
	default:
	}

	// Queue full: wait a bounded time, preserving order, for room. A handler
	// broadcasting on its own topic may be waiting on its own worker here.
	if t.cfg.EnqueueTimeout < 0 {
		return errWindowBacklogged
	}
	timer := time.NewTimer(t.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case w.queue <- task:
		t.metrics.enqueued.Add(1)
		return nil
	case <-w.done:
		return errWindowClosed
	case <-timer.C:
		return errWindowBacklogged
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errWindowClosed     = errors.New("window closed")
	errWindowBacklogged = errors.New("window queue full")
)

// Subscribe attaches a handler to the window's queue for topic. Closing the
// last subscription of a window removes its queue, so a torn-down window
// never backs up publishers.
func (t *Transport) Subscribe(ctx context.Context, topicName, windowName string, handler func(xconfbus.Delivery)) (xconfbus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	top := t.ensureTopic(topicName)
	w := top.attach(windowName, t.cfg.BufferSize)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	for i := 0; i < t.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, w, handler)
		}()
	}

	var once sync.Once
	return &subscription{
		close: func() error {
			once.Do(func() {
				cancel()
				wg.Wait()
				top.detach(w)
			})
			return nil
		},
	}, nil
}

func (t *Transport) worker(ctx context.Context, w *window, handler func(xconfbus.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case task := <-w.queue:
			if task == nil {
				continue
			}
			t.metrics.consumed.Add(1)
			handler(&memDelivery{task: task, tr: t})
		}
	}
}

// Windows returns the labels currently subscribed to topic.
func (t *Transport) Windows(topicName string) []string {
	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	top.mu.RLock()
	defer top.mu.RUnlock()
	out := make([]string, 0, len(top.windows))
	for name := range top.windows {
		out = append(out, name)
	}
	return out
}

// Close stops accepting messages and detaches every window.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	topics := t.topics
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	for _, top := range topics {
		top.mu.Lock()
		for name, w := range top.windows {
			w.shutdown()
			delete(top.windows, name)
		}
		top.mu.Unlock()
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Enqueued    uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Failed      uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Enqueued:    t.metrics.enqueued.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Failed:      t.metrics.failed.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

type topic struct {
	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	name   string
	queue  chan *deliveryTask
	done   chan struct{}
	refs   int // guarded by topic.mu
	closed atomic.Bool
}

func (w *window) shutdown() {
	if !w.closed.Swap(true) {
		close(w.done)
	}
}

type deliveryTask struct {
	topic    string
	window   *window
	msg      *xconfbus.ConfigMessage
	attempts int
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}
	tp := &topic{windows: make(map[string]*window)}
	t.topics[name] = tp
	return tp
}

func (tp *topic) attach(name string, bufferSize int) *window {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	w, ok := tp.windows[name]
	if !ok {
		w = &window{
			name:  name,
			queue: make(chan *deliveryTask, bufferSize),
			done:  make(chan struct{}),
		}
		tp.windows[name] = w
	}
	w.refs++
	return w
}

func (tp *topic) detach(w *window) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	w.refs--
	if w.refs > 0 {
		return
	}
	if cur, ok := tp.windows[w.name]; ok && cur == w {
		delete(tp.windows, w.name)
	}
	w.shutdown()
}
