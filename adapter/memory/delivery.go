package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xconfbus"
)

// memDelivery implements xconfbus.Delivery for one window.
type memDelivery struct {
	task    *deliveryTask
	tr      *Transport
	ackOnce sync.Once
}

func (d *memDelivery) Message() *xconfbus.ConfigMessage { return d.task.msg }

func (d *memDelivery) Window() string { return d.task.window.name }

// Ack marks the notification as handled.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack re-enqueues the notification for the same window after the configured
// delay, at most MaxRedeliveries times. Redelivery is best-effort: it is
// dropped when the window closes first.
func (d *memDelivery) Nack(ctx context.Context, _ error) error {
	d.ackOnce.Do(func() {
		d.tr.metrics.nacked.Add(1)

		task := d.task
		if task.attempts >= d.tr.cfg.MaxRedeliveries {
			return
		}
		retry := &deliveryTask{topic: task.topic, window: task.window, msg: task.msg, attempts: task.attempts + 1}
		d.tr.metrics.redelivered.Add(1)

		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			d.requeue(ctx, retry)
			return
		}
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				d.requeue(context.Background(), retry)
			case <-retry.window.done:
			}
		}()
	})
	return nil
}

func (d *memDelivery) requeue(ctx context.Context, task *deliveryTask) {
	select {
	case task.window.queue <- task:
	case <-task.window.done:
	case <-ctx.Done():
	default:
		// The only worker may be the caller; never block it on its own full queue.
		go func() {
			select {
			case task.window.queue <- task:
			case <-task.window.done:
			}
		}()
	}
}
