// Package window is the per-window client of a shared xconfbus.ConfigBus.
//
// A Window broadcasts under its own label, ignores notifications it sent
// itself, remembers the topics it owns and answers resync requests from other
// windows by re-broadcasting their current values.
package window

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trickstertwo/xconfbus"
)

// StateFunc returns the current value of an owned topic.
type StateFunc func() (xconfbus.Value, error)

// Window binds one label to a bus.
//
// The window holds one bus subscription per topic and hands every
// notification to all handlers registered for that topic, in registration
// order.
type Window struct {
	label string
	bus   xconfbus.API

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]xconfbus.Subscription
	handlers map[string][]xconfbus.Handler
	lastSeq  map[string]uint64
	owned    map[string]StateFunc
	custom   map[string]bool
}

// New creates a window client. ctx bounds the lifetime of its subscriptions.
func New(ctx context.Context, bus xconfbus.API, label string) (*Window, error) {
	if bus == nil {
		return nil, errors.New("window: bus is required")
	}
	if label == "" {
		return nil, errors.New("window: label is required")
	}
	wctx, cancel := context.WithCancel(ctx)
	return &Window{
		label:    label,
		bus:      bus,
		ctx:      wctx,
		cancel:   cancel,
		subs:     make(map[string]xconfbus.Subscription),
		handlers: make(map[string][]xconfbus.Handler),
		lastSeq:  make(map[string]uint64),
		owned:    make(map[string]StateFunc),
		custom:   make(map[string]bool),
	}, nil
}

// Label returns the window label used as source_window.
func (w *Window) Label() string { return w.label }

// Broadcast publishes payload on topic and marks the topic as owned by this
// window: resync requests are answered with the last payload it broadcast,
// unless Own registered a state function. Ownership is recorded even when the
// bus reports an emit failure, since the bus stored the value anyway.
func (w *Window) Broadcast(ctx context.Context, topic string, payload xconfbus.Value) error {
	err := w.bus.Broadcast(ctx, topic, payload, w.label)
	if err != nil && !errors.Is(err, xconfbus.ErrEmitFailure) {
		return err
	}
	w.mu.Lock()
	if !w.custom[topic] {
		w.owned[topic] = func() (xconfbus.Value, error) { return payload, nil }
	}
	w.mu.Unlock()
	return err
}

// BroadcastAny converts payload with the bus codec and broadcasts it.
func (w *Window) BroadcastAny(ctx context.Context, topic string, payload any) error {
	v, err := xconfbus.ValueOf(w.bus.Codec(), payload)
	if err != nil {
		return err
	}
	return w.Broadcast(ctx, topic, v)
}

// Own registers state as the source of truth for topic when answering
// resync requests, overriding the last broadcast payload. A nil state answers
// with the value currently stored on the bus.
func (w *Window) Own(topic string, state StateFunc) {
	if state == nil {
		state = func() (xconfbus.Value, error) { return w.storedValue(topic) }
	}
	w.mu.Lock()
	w.owned[topic] = state
	w.custom[topic] = true
	w.mu.Unlock()
}

// Disown stops answering resync requests for topic.
func (w *Window) Disown(topic string) {
	w.mu.Lock()
	delete(w.owned, topic)
	delete(w.custom, topic)
	w.mu.Unlock()
}

func (w *Window) storedValue(topic string) (xconfbus.Value, error) {
	msg, err := w.bus.GetLatest(topic)
	if err != nil {
		return xconfbus.Value{}, err
	}
	if msg == nil {
		return xconfbus.Value{}, errNothingStored
	}
	return msg.Payload, nil
}

var errNothingStored = errors.New("nothing stored")

// Owned returns the sorted list of topics this window answers for.
func (w *Window) Owned() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.owned))
	for t := range w.owned {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Latest returns the last message stored on the bus for topic, or nil.
func (w *Window) Latest(topic string) (*xconfbus.ConfigMessage, error) {
	return w.bus.GetLatest(topic)
}

// RequestSync asks every other window to re-announce its owned topics. The
// request is fire and forget: the bus does not confirm that answers arrive.
func (w *Window) RequestSync(ctx context.Context) error {
	return w.bus.RequestSync(ctx, w.label)
}

// OnConfig adds fn to the handlers of topic. Every handler sees every
// notification. Notifications this window sent itself are skipped, and so is
// a message older than one the window already handled on the same topic.
func (w *Window) OnConfig(topic string, fn xconfbus.Handler) error {
	if fn == nil {
		return errors.New("window: handler is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.subs[topic]; !ok {
		h := xconfbus.Chain(w.dispatcher(topic), xconfbus.SkipSource(w.label))
		sub, err := w.bus.Subscribe(w.ctx, topic, w.label, h)
		if err != nil {
			return fmt.Errorf("window %q: subscribe %q: %w", w.label, topic, err)
		}
		w.subs[topic] = sub
	}
	w.handlers[topic] = append(w.handlers[topic], fn)
	return nil
}

// dispatcher runs every handler of topic. A failing handler nacks the
// notification, so the others see it again on redelivery.
func (w *Window) dispatcher(topic string) xconfbus.Handler {
	return func(ctx context.Context, msg *xconfbus.ConfigMessage) error {
		w.mu.Lock()
		stale := msg.Seq != 0 && msg.Seq <= w.lastSeq[topic]
		handlers := append([]xconfbus.Handler(nil), w.handlers[topic]...)
		w.mu.Unlock()
		if stale {
			return nil
		}

		var errs []error
		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}

		w.mu.Lock()
		if msg.Seq > w.lastSeq[topic] {
			w.lastSeq[topic] = msg.Seq
		}
		w.mu.Unlock()
		return nil
	}
}

// ServeSyncRequests answers resync requests from other windows by
// re-broadcasting every owned topic. Emit failures of individual topics are
// joined into the handler error.
func (w *Window) ServeSyncRequests() error {
	return w.OnConfig(xconfbus.ConfigRequestTopic, func(ctx context.Context, _ *xconfbus.ConfigMessage) error {
		return w.answerSync(ctx)
	})
}

func (w *Window) answerSync(ctx context.Context) error {
	w.mu.Lock()
	owned := make(map[string]StateFunc, len(w.owned))
	for t, fn := range w.owned {
		owned[t] = fn
	}
	w.mu.Unlock()

	var errs []error
	for topic, state := range owned {
		v, err := state()
		if errors.Is(err, errNothingStored) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("topic %q: %w", topic, err))
			continue
		}
		if err := w.bus.Broadcast(ctx, topic, v, w.label); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close ends all subscriptions of the window.
func (w *Window) Close() error {
	w.cancel()
	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[string]xconfbus.Subscription)
	w.handlers = make(map[string][]xconfbus.Handler)
	w.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeLatest decodes the latest payload of topic into T. ok is false when
// nothing was stored yet.
func DecodeLatest[T any](w *Window, topic string) (out T, ok bool, err error) {
	msg, err := w.Latest(topic)
	if err != nil || msg == nil {
		return out, false, err
	}
	out, err = xconfbus.DecodeValue[T](w.bus.Codec(), msg.Payload)
	return out, err == nil, err
}
