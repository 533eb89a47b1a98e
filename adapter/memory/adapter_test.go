package memory

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xconfbus"
)

func newMsg(topic, source string) *xconfbus.ConfigMessage {
	return &xconfbus.ConfigMessage{
		ID:           source + "-" + topic,
		EventType:    topic,
		Payload:      xconfbus.String(source),
		SourceWindow: source,
		Timestamp:    uint64(time.Now().UnixMilli()),
	}
}

func ackAll(ch chan<- *xconfbus.ConfigMessage) func(xconfbus.Delivery) {
	return func(d xconfbus.Delivery) {
		ch <- d.Message()
		_ = d.Ack(context.Background())
	}
}

func receive(t *testing.T, ch <-chan *xconfbus.ConfigMessage) *xconfbus.ConfigMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestTransport_FanOutToEveryWindow(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 8})
	defer tr.Close(context.Background())
	ctx := context.Background()

	a := make(chan *xconfbus.ConfigMessage, 8)
	b := make(chan *xconfbus.ConfigMessage, 8)
	subA, err := tr.Subscribe(ctx, "theme", "win-A", ackAll(a))
	require.NoError(t, err)
	defer subA.Close()
	subB, err := tr.Subscribe(ctx, "theme", "win-B", ackAll(b))
	require.NoError(t, err)
	defer subB.Close()

	msg := newMsg("theme", "win-C")
	require.NoError(t, tr.Publish(ctx, "theme", msg))

	assert.Same(t, msg, receive(t, a))
	assert.Same(t, msg, receive(t, b))

	windows := tr.Windows("theme")
	sort.Strings(windows)
	assert.Equal(t, []string{"win-A", "win-B"}, windows)
	require.Eventually(t, func() bool { return tr.Stats().Acked == 2 }, time.Second, 5*time.Millisecond)
}

func TestTransport_SameWindowSplitsWork(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 64})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var first, second atomic.Int32
	count := func(n *atomic.Int32) func(xconfbus.Delivery) {
		return func(d xconfbus.Delivery) {
			n.Add(1)
			_ = d.Ack(ctx)
		}
	}
	s1, err := tr.Subscribe(ctx, "theme", "win-A", count(&first))
	require.NoError(t, err)
	defer s1.Close()
	s2, err := tr.Subscribe(ctx, "theme", "win-A", count(&second))
	require.NoError(t, err)
	defer s2.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "src")))
	}
	require.Eventually(t, func() bool { return first.Load()+second.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"win-A"}, tr.Windows("theme"))
}

func TestTransport_PublishWithoutWindows(t *testing.T) {
	tr := NewTransport(Config{})
	defer tr.Close(context.Background())

	assert.NoError(t, tr.Publish(context.Background(), "nobody-listens", newMsg("nobody-listens", "A")))
	assert.Equal(t, uint64(1), tr.Stats().Published)
}

func TestTransport_ClosedWindowIsDetached(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 1})
	defer tr.Close(context.Background())
	ctx := context.Background()

	ch := make(chan *xconfbus.ConfigMessage, 4)
	sub, err := tr.Subscribe(ctx, "theme", "win-A", ackAll(ch))
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	assert.Empty(t, tr.Windows("theme"))
	for i := 0; i < 3; i++ {
		assert.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "B")))
	}
	assert.Empty(t, ch)
}

func TestTransport_NackRedelivers(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 4, MaxRedeliveries: 2})
	defer tr.Close(context.Background())
	ctx := context.Background()

	var calls atomic.Int32
	sub, err := tr.Subscribe(ctx, "theme", "win-A", func(d xconfbus.Delivery) {
		calls.Add(1)
		_ = d.Nack(ctx, assert.AnError)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "B")))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	s := tr.Stats()
	assert.Equal(t, uint64(3), s.Nacked)
	assert.Equal(t, uint64(2), s.Redelivered)
}

func TestTransport_BackloggedWindowFails(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 1, EnqueueTimeout: 20 * time.Millisecond})
	defer tr.Close(context.Background())
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	stuck, err := tr.Subscribe(ctx, "theme", "stuck", func(d xconfbus.Delivery) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer stuck.Close()

	healthy := make(chan *xconfbus.ConfigMessage, 8)
	ok, err := tr.Subscribe(ctx, "theme", "healthy", ackAll(healthy))
	require.NoError(t, err)
	defer ok.Close()

	require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "1")))
	<-started
	require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "2")))

	err = tr.Publish(ctx, "theme", newMsg("theme", "3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errWindowBacklogged)
	assert.Contains(t, err.Error(), `"stuck"`)

	// the healthy window still got all three
	for i := 0; i < 3; i++ {
		receive(t, healthy)
	}
	close(release)
}

func TestTransport_FailFastOnFullQueue(t *testing.T) {
	tr := NewTransport(Config{BufferSize: 1, EnqueueTimeout: -1})
	defer tr.Close(context.Background())
	ctx := context.Background()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "theme", "stuck", func(d xconfbus.Delivery) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		_ = d.Ack(ctx)
	})
	require.NoError(t, err)
	defer sub.Close()
	defer close(release)

	require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "1")))
	<-started
	require.NoError(t, tr.Publish(ctx, "theme", newMsg("theme", "2")))

	start := time.Now()
	assert.ErrorIs(t, tr.Publish(ctx, "theme", newMsg("theme", "3")), errWindowBacklogged)
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestTransport_Closed(t *testing.T) {
	tr := NewTransport(Config{})
	ctx := context.Background()

	ch := make(chan *xconfbus.ConfigMessage, 1)
	_, err := tr.Subscribe(ctx, "theme", "win-A", ackAll(ch))
	require.NoError(t, err)

	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	assert.ErrorIs(t, tr.Publish(ctx, "theme", newMsg("theme", "B")), ErrClosed)
	_, err = tr.Subscribe(ctx, "theme", "win-A", ackAll(ch))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, tr.Windows("theme"))
}

func TestConfigFromMap(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"buffer_size":      float64(32),
		"concurrency":      int64(2),
		"redelivery_delay": "15ms",
		"max_redeliveries": -1,
		"enqueue_timeout":  time.Second,
	})
	assert.Equal(t, Config{
		BufferSize:      32,
		Concurrency:     2,
		RedeliveryDelay: 15 * time.Millisecond,
		MaxRedeliveries: 0,
		EnqueueTimeout:  time.Second,
	}, cfg)

	def := ConfigFromMap(Config{BufferSize: 8}.toMap())
	assert.Equal(t, 8, def.BufferSize)
	assert.Equal(t, 1, def.Concurrency)
	assert.Equal(t, 3, def.MaxRedeliveries)
	assert.Equal(t, DefaultEnqueueTimeout, def.EnqueueTimeout)

	failFast := ConfigFromMap(Config{EnqueueTimeout: -1}.toMap())
	assert.Negative(t, failFast.EnqueueTimeout)
	assert.Equal(t, DefaultEnqueueTimeout, NewTransport(Config{}).cfg.EnqueueTimeout)
}

func TestUse_BuildsWorkingBus(t *testing.T) {
	bus := Use(Config{BufferSize: 8})
	defer bus.Close(context.Background())
	ctx := context.Background()

	got := make(chan *xconfbus.ConfigMessage, 1)
	sub, err := bus.Subscribe(ctx, "theme", "win-B", func(_ context.Context, msg *xconfbus.ConfigMessage) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Broadcast(ctx, "theme", xconfbus.String("dark"), "win-A"))
	msg := receive(t, got)
	assert.Equal(t, "dark", msg.Payload.Str())
	assert.Equal(t, "win-A", msg.SourceWindow)
}
