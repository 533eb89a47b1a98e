// Package host wires a ConfigBus, its windows and the seed configuration
// together for the xconfbus command.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xconfbus"
	"github.com/trickstertwo/xconfbus/adapter/memory"
	"github.com/trickstertwo/xconfbus/internal/config"
	"github.com/trickstertwo/xconfbus/window"
)

// Host owns the single bus of the process and one client per window.
type Host struct {
	bus     *xconfbus.ConfigBus
	logger  *xlog.Logger
	windows []*window.Window

	mu      sync.Mutex
	topics  map[string]struct{}
	applied map[string]uint64

	received atomic.Uint64
}

// New builds the bus from cfg and opens every configured window.
func New(ctx context.Context, cfg *config.Config, logger *xlog.Logger, opts ...memory.Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}

	base := []memory.Option{
		memory.WithLogger(logger),
		memory.WithCodec(cfg.Bus.Codec),
		memory.WithAckTimeout(cfg.Bus.AckTimeout),
		memory.WithObserverPool(cfg.Bus.ObserverWorkers, cfg.Bus.ObserverBuffer),
	}
	bus := memory.Use(memory.ConfigFromMap(cfg.TransportMap()), append(base, opts...)...)

	h := &Host{
		bus:     bus,
		logger:  logger,
		topics:  make(map[string]struct{}),
		applied: make(map[string]uint64),
	}

	topics := window.KnownTopics()
	for _, s := range cfg.Seed.Topics {
		topics = append(topics, s.Topic)
	}

	for _, label := range cfg.Windows {
		w, err := window.New(ctx, bus, label)
		if err != nil {
			_ = h.Close(ctx)
			return nil, err
		}
		h.windows = append(h.windows, w)
		for _, t := range topics {
			if err := h.listen(w, t); err != nil {
				_ = h.Close(ctx)
				return nil, err
			}
		}
		if err := w.ServeSyncRequests(); err != nil {
			_ = h.Close(ctx)
			return nil, err
		}
	}
	return h, nil
}

func (h *Host) listen(w *window.Window, topic string) error {
	h.mu.Lock()
	key := w.Label() + "\x00" + topic
	if _, ok := h.topics[key]; ok {
		h.mu.Unlock()
		return nil
	}
	h.topics[key] = struct{}{}
	h.mu.Unlock()

	return w.OnConfig(topic, func(ctx context.Context, msg *xconfbus.ConfigMessage) error {
		h.mu.Lock()
		if msg.Timestamp > h.applied[key] {
			h.applied[key] = msg.Timestamp
		}
		h.mu.Unlock()
		h.received.Add(1)
		h.logger.Info().
			Str("window", w.Label()).
			Str("topic", msg.EventType).
			Str("source_window", msg.SourceWindow).
			Str("payload", msg.Payload.String()).
			Msg("config applied")
		return nil
	})
}

// Bus returns the shared bus.
func (h *Host) Bus() *xconfbus.ConfigBus { return h.bus }

// Windows returns the window clients in configuration order.
func (h *Host) Windows() []*window.Window { return h.windows }

// Received counts notifications handled by all windows.
func (h *Host) Received() uint64 { return h.received.Load() }

// Seed broadcasts every seed topic on behalf of source. When source names a
// configured window the seeds go out through it, so that window owns them and
// re-announces them on resync. Emit failures are logged and the remaining
// seeds still go out; other errors are joined.
func (h *Host) Seed(ctx context.Context, seed config.SeedConfig) error {
	broadcast := func(ctx context.Context, topic string, v xconfbus.Value) error {
		return h.bus.Broadcast(ctx, topic, v, seed.Source)
	}
	if owner := h.windowByLabel(seed.Source); owner != nil {
		broadcast = owner.Broadcast
	}

	var errs []error
	for _, s := range seed.Topics {
		v, err := s.Value()
		if err != nil {
			errs = append(errs, fmt.Errorf("seed %q: %w", s.Topic, err))
			continue
		}
		err = broadcast(ctx, s.Topic, v)
		switch {
		case err == nil:
		case errors.Is(err, xconfbus.ErrEmitFailure):
			h.logger.Warn().Err(err).Str("topic", s.Topic).Msg("seed stored but not delivered")
		default:
			errs = append(errs, fmt.Errorf("seed %q: %w", s.Topic, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Host) windowByLabel(label string) *window.Window {
	for _, w := range h.windows {
		if w.Label() == label {
			return w
		}
	}
	return nil
}

// Reload re-reads path and broadcasts its seeds again. Windows start
// listening on seed topics that were added since startup.
func (h *Host) Reload(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, w := range h.windows {
		for _, s := range cfg.Seed.Topics {
			if err := h.listen(w, s.Topic); err != nil {
				return err
			}
		}
	}
	return h.Seed(ctx, cfg.Seed)
}

// Applied returns the timestamp of the newest message window has applied on
// topic, or 0.
func (h *Host) Applied(window, topic string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applied[window+"\x00"+topic]
}

// RequestSync asks the other windows to re-announce their topics on behalf
// of the last configured window, the one that joined last.
func (h *Host) RequestSync(ctx context.Context) error {
	if len(h.windows) == 0 {
		return nil
	}
	return h.windows[len(h.windows)-1].RequestSync(ctx)
}

// Close closes every window and then the bus.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	for _, w := range h.windows {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.bus.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
