package xconfbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// dropLogEvery limits drop warnings to the first drop and every Nth after it.
const dropLogEvery = 100

type dispatch struct {
	event     Event
	observers []Observer
}

// ObserverPool fans bus events out to observers on a fixed set of goroutines.
// Broadcast and window delivery never wait on an observer: when the queue is
// full the event is dropped and counted.
type ObserverPool struct {
	queue   chan dispatch
	workers int
	logger  *xlog.Logger

	stop context.CancelFunc
	done chan struct{}

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a queue of
// bufferSize events. logger may be nil.
func NewObserverPool(ctx context.Context, workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 2
	}
	if bufferSize < 1 {
		bufferSize = 256
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		queue:   make(chan dispatch, bufferSize),
		workers: workers,
		logger:  logger,
		stop:    cancel,
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			op.run(poolCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(op.done)
	}()
	return op
}

// Notify queues e for the given observers and returns immediately.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	select {
	case op.queue <- dispatch{event: e, observers: observers}:
	default:
		n := op.dropped.Add(1)
		if op.logger != nil && (n == 1 || n%dropLogEvery == 0) {
			op.logger.Warn().
				Str("type", string(e.Type)).
				Str("topic", e.Topic).
				Float64("dropped_total", float64(n)).
				Msg("xconfbus: observer queue full, event dropped")
		}
	}
}

func (op *ObserverPool) run(ctx context.Context) {
	for {
		select {
		case d := <-op.queue:
			op.deliver(d)
		case <-ctx.Done():
			// drain what was queued before Close
			for {
				select {
				case d := <-op.queue:
					op.deliver(d)
				default:
					return
				}
			}
		}
	}
}

// deliver calls every observer; a panicking observer does not stop the others.
func (op *ObserverPool) deliver(d dispatch) {
	for _, obs := range d.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			obs.OnEvent(d.event)
		}()
	}
	op.processed.Add(1)
}

// Close stops accepting events and waits up to timeout for queued ones to be
// delivered. Idempotent.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.stop()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-op.done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
