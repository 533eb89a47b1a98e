package window_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xconfbus"
	"github.com/trickstertwo/xconfbus/adapter/memory"
	"github.com/trickstertwo/xconfbus/window"
)

type theme struct {
	Mode   string `json:"mode"`
	Accent string `json:"accent"`
}

func setup(t *testing.T, labels ...string) (*xconfbus.ConfigBus, []*window.Window) {
	t.Helper()
	bus := memory.Use(memory.Config{BufferSize: 64})
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	out := make([]*window.Window, 0, len(labels))
	for _, l := range labels {
		w, err := window.New(context.Background(), bus, l)
		require.NoError(t, err)
		t.Cleanup(func() { _ = w.Close() })
		out = append(out, w)
	}
	return bus, out
}

func listen(t *testing.T, w *window.Window, topic string) <-chan *xconfbus.ConfigMessage {
	t.Helper()
	ch := make(chan *xconfbus.ConfigMessage, 16)
	require.NoError(t, w.OnConfig(topic, func(_ context.Context, msg *xconfbus.ConfigMessage) error {
		ch <- msg
		return nil
	}))
	return ch
}

func next(t *testing.T, ch <-chan *xconfbus.ConfigMessage) *xconfbus.ConfigMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := window.New(context.Background(), nil, "A")
	assert.Error(t, err)

	bus := memory.Use(memory.Config{})
	defer bus.Close(context.Background())
	_, err = window.New(context.Background(), bus, "")
	assert.Error(t, err)
}

func TestWindow_IgnoresOwnBroadcasts(t *testing.T) {
	_, ws := setup(t, "settings", "viewer")
	settings, viewer := ws[0], ws[1]

	own := listen(t, settings, "theme")
	other := listen(t, viewer, "theme")

	require.NoError(t, settings.BroadcastAny(context.Background(), "theme", theme{Mode: "dark", Accent: "#f80"}))

	msg := next(t, other)
	assert.Equal(t, "settings", msg.SourceWindow)
	got, err := xconfbus.DecodeValue[theme](xconfbus.JSONCodec{}, msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, theme{Mode: "dark", Accent: "#f80"}, got)

	select {
	case m := <-own:
		t.Fatalf("window received its own broadcast %q", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []string{"theme"}, settings.Owned())
}

func TestWindow_LateJoinerResync(t *testing.T) {
	_, ws := setup(t, "settings", "late")
	settings, late := ws[0], ws[1]
	ctx := context.Background()

	require.NoError(t, settings.ServeSyncRequests())
	require.NoError(t, settings.BroadcastAny(ctx, "theme", theme{Mode: "dark"}))
	require.NoError(t, settings.Broadcast(ctx, "light", xconfbus.Number(0.7)))

	cached, ok, err := window.DecodeLatest[theme](late, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", cached.Mode)

	themes := listen(t, late, "theme")
	lights := listen(t, late, "light")
	require.NoError(t, late.RequestSync(ctx))

	th := next(t, themes)
	assert.Equal(t, "settings", th.SourceWindow)
	assert.Equal(t, "dark", mustGet(t, th.Payload, "mode").Str())
	assert.Equal(t, 0.7, next(t, lights).Payload.Number())
}

func TestWindow_RequesterDoesNotAnswerItself(t *testing.T) {
	bus, ws := setup(t, "solo")
	solo := ws[0]
	ctx := context.Background()

	require.NoError(t, solo.ServeSyncRequests())
	require.NoError(t, solo.Broadcast(ctx, "theme", xconfbus.String("dark")))
	before, err := bus.GetLatest("theme")
	require.NoError(t, err)

	require.NoError(t, solo.RequestSync(ctx))
	time.Sleep(50 * time.Millisecond)

	after, err := bus.GetLatest("theme")
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestWindow_OwnWithState(t *testing.T) {
	_, ws := setup(t, "camera-panel", "viewer")
	panel, viewer := ws[0], ws[1]
	ctx := context.Background()

	fov := 45.0
	panel.Own("camera", func() (xconfbus.Value, error) {
		return xconfbus.Map(xconfbus.Field{Key: "fov", Value: xconfbus.Number(fov)}), nil
	})
	require.NoError(t, panel.ServeSyncRequests())
	cams := listen(t, viewer, "camera")
	require.NoError(t, panel.Broadcast(ctx, "camera", xconfbus.Map(xconfbus.Field{Key: "fov", Value: xconfbus.Number(30)})))
	assert.Equal(t, 30.0, mustGet(t, next(t, cams).Payload, "fov").Number())

	fov = 60
	require.NoError(t, viewer.RequestSync(ctx))
	assert.Equal(t, 60.0, mustGet(t, next(t, cams).Payload, "fov").Number())

	panel.Disown("camera")
	assert.Empty(t, panel.Owned())
}

func TestWindow_OwnStoredValue(t *testing.T) {
	bus, ws := setup(t, "owner", "asker")
	owner, asker := ws[0], ws[1]
	ctx := context.Background()

	owner.Own("background", nil)
	require.NoError(t, owner.ServeSyncRequests())
	bgs := listen(t, asker, "background")

	// nothing stored yet: the owner stays silent
	require.NoError(t, asker.RequestSync(ctx))
	select {
	case m := <-bgs:
		t.Fatalf("unexpected answer %q", m.ID)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, bus.Broadcast(ctx, "background", xconfbus.String("#000"), "host"))
	assert.Equal(t, "#000", next(t, bgs).Payload.Str())

	require.NoError(t, asker.RequestSync(ctx))
	answer := next(t, bgs)
	assert.Equal(t, "owner", answer.SourceWindow)
	assert.Equal(t, "#000", answer.Payload.Str())
}

func TestWindow_EveryHandlerSeesEveryMessage(t *testing.T) {
	_, ws := setup(t, "editor", "viewer")
	editor, viewer := ws[0], ws[1]
	ctx := context.Background()

	var first, second atomic.Int32
	count := func(n *atomic.Int32) xconfbus.Handler {
		return func(context.Context, *xconfbus.ConfigMessage) error {
			n.Add(1)
			return nil
		}
	}
	require.NoError(t, viewer.OnConfig("theme", count(&first)))
	require.NoError(t, viewer.OnConfig("theme", count(&second)))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, editor.Broadcast(ctx, "theme", xconfbus.Number(float64(i))))
	}
	require.Eventually(t, func() bool {
		return first.Load() == n && second.Load() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWindow_SyncListenerAndResponderShareTopic(t *testing.T) {
	_, ws := setup(t, "settings", "late")
	settings, late := ws[0], ws[1]
	ctx := context.Background()

	require.NoError(t, settings.ServeSyncRequests())
	requests := listen(t, settings, xconfbus.ConfigRequestTopic)
	require.NoError(t, settings.Broadcast(ctx, "theme", xconfbus.String("dark")))
	themes := listen(t, late, "theme")

	for i := 0; i < 5; i++ {
		require.NoError(t, late.RequestSync(ctx))
		assert.Equal(t, "late", next(t, requests).SourceWindow)
		assert.Equal(t, "dark", next(t, themes).Payload.Str())
	}
}

// pinnedBus hands the window's subscription handler to the test.
type pinnedBus struct {
	xconfbus.API

	mu       sync.Mutex
	handlers map[string]xconfbus.Handler
}

type nopSub struct{}

func (nopSub) Close() error { return nil }

func (b *pinnedBus) Subscribe(_ context.Context, topic, _ string, h xconfbus.Handler) (xconfbus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]xconfbus.Handler)
	}
	b.handlers[topic] = h
	return nopSub{}, nil
}

func (b *pinnedBus) deliver(topic string, msg *xconfbus.ConfigMessage) error {
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	return h(context.Background(), msg)
}

func TestWindow_SkipsOutOfOrderMessages(t *testing.T) {
	bus := &pinnedBus{}
	w, err := window.New(context.Background(), bus, "viewer")
	require.NoError(t, err)
	defer w.Close()
	got := listen(t, w, "theme")

	msg := func(seq uint64, mode string) *xconfbus.ConfigMessage {
		return &xconfbus.ConfigMessage{EventType: "theme", Payload: xconfbus.String(mode), SourceWindow: "editor", Seq: seq}
	}
	require.NoError(t, bus.deliver("theme", msg(2, "dark")))
	require.NoError(t, bus.deliver("theme", msg(1, "light")))
	require.NoError(t, bus.deliver("theme", msg(2, "dark")))
	require.NoError(t, bus.deliver("theme", msg(3, "sepia")))

	assert.Equal(t, "dark", next(t, got).Payload.Str())
	assert.Equal(t, "sepia", next(t, got).Payload.Str())
	assert.Empty(t, got)
}

func TestWindow_FailedHandlerDoesNotAdvance(t *testing.T) {
	bus := &pinnedBus{}
	w, err := window.New(context.Background(), bus, "viewer")
	require.NoError(t, err)
	defer w.Close()

	var calls atomic.Int32
	require.NoError(t, w.OnConfig("theme", func(context.Context, *xconfbus.ConfigMessage) error {
		if calls.Add(1) == 1 {
			return assert.AnError
		}
		return nil
	}))

	m := &xconfbus.ConfigMessage{EventType: "theme", Payload: xconfbus.String("dark"), SourceWindow: "editor", Seq: 1}
	assert.ErrorIs(t, bus.deliver("theme", m), assert.AnError)
	// a redelivery of the same message is handled again
	assert.NoError(t, bus.deliver("theme", m))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWindow_BroadcastErrors(t *testing.T) {
	_, ws := setup(t, "A")
	a := ws[0]

	err := a.Broadcast(context.Background(), xconfbus.ConfigRequestTopic, xconfbus.Null())
	assert.ErrorIs(t, err, xconfbus.ErrReservedTopic)
	assert.Empty(t, a.Owned())

	assert.Error(t, a.OnConfig("theme", nil))
}

func TestWindow_CloseStopsDelivery(t *testing.T) {
	bus, ws := setup(t, "A", "B")
	a, b := ws[0], ws[1]
	got := listen(t, b, "theme")

	require.NoError(t, b.Close())
	require.NoError(t, a.Broadcast(context.Background(), "theme", xconfbus.String("dark")))

	select {
	case <-got:
		t.Fatal("closed window was notified")
	case <-time.After(50 * time.Millisecond):
	}
	msg, err := bus.GetLatest("theme")
	require.NoError(t, err)
	assert.NotNil(t, msg)
}

func TestDecodeLatest_NothingStored(t *testing.T) {
	_, ws := setup(t, "A")
	_, ok, err := window.DecodeLatest[theme](ws[0], "theme")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestKnownTopics(t *testing.T) {
	topics := window.KnownTopics()
	assert.Contains(t, topics, window.TopicLightUpdate)
	assert.Contains(t, topics, window.TopicFullConfigSync)
	assert.NotContains(t, topics, xconfbus.ConfigRequestTopic)
}

func mustGet(t *testing.T, v xconfbus.Value, key string) xconfbus.Value {
	t.Helper()
	out, ok := v.Get(key)
	if !ok {
		t.Fatalf("missing key %q in %s", key, v)
	}
	return out
}
