package notifier

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	logx "onpatrol/pkg/logx"
)

// Sender delivers one message. Worker is the production implementation.
type Sender interface {
	Send(ctx context.Context, m *DeliveryMessage)
}

// Dispatcher drains the send queue into at most max concurrent Senders. It
// suspends only on slot acquisition or an empty queue, never on a send.
type Dispatcher struct {
	in     <-chan Item
	sender Sender
	sem    *semaphore.Weighted
	log    logx.Logger

	wg        sync.WaitGroup
	flushOnce sync.Once
	flushed   chan struct{}
}

func NewDispatcher(in <-chan Item, sender Sender, max int, log logx.Logger) *Dispatcher {
	if max <= 0 {
		max = 30
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		in:      in,
		sender:  sender,
		sem:     semaphore.NewWeighted(int64(max)),
		log:     log.With(logx.String("comp", "dispatcher")),
		flushed: make(chan struct{}),
	}
}

// Run returns nil after a stop Item, or ctx.Err() on abort. In both cases
// the queue is marked flushed.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.markFlushed()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-d.in:
			switch it.Kind {
			case KindStop:
				d.log.Debug("stop received, send queue flushed")
				return nil
			case KindDelivery:
				if it.Delivery == nil {
					continue
				}
				if err := d.sem.Acquire(ctx, 1); err != nil {
					d.log.Warn("delivery dropped on abort", logx.Camera(it.Delivery.CameraName))
					return err
				}
				d.wg.Add(1)
				go d.run(ctx, it.Delivery)
			default:
				d.log.Warn("unexpected item", logx.String("kind", it.Kind.String()))
			}
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, m *DeliveryMessage) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("send worker panic", logx.Camera(m.CameraName), logx.Any("panic", r))
		}
	}()
	d.sender.Send(ctx, m)
}

func (d *Dispatcher) markFlushed() {
	d.flushOnce.Do(func() { close(d.flushed) })
}

// Flushed is closed once the dispatcher stopped draining the send queue.
func (d *Dispatcher) Flushed() <-chan struct{} { return d.flushed }

// Wait blocks until in-flight sends finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
