package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	logx "onpatrol/pkg/logx"
)

// RetryConfig bounds the retry scheduler. Zero values take defaults.
type RetryConfig struct {
	Limit      int
	MaxPending int
	FirstDelay time.Duration
	Delay      time.Duration
}

// Retry re-queues failed deliveries after a back-off. Pending retries are
// bounded by a semaphore so a retry storm can't grow memory without limit.
type Retry struct {
	cfg RetryConfig
	out chan<- Item
	log logx.Logger

	// stop ends back-off waits early; the retry is re-pushed at once.
	stop <-chan struct{}
	// flushed is closed once nothing drains out any more.
	flushed <-chan struct{}

	sem     *semaphore.Weighted
	dropped atomic.Int64

	mu     sync.Mutex
	active int
	// idle is closed while no retry is pending.
	idle chan struct{}
}

func NewRetry(cfg RetryConfig, out chan<- Item, stop, flushed <-chan struct{}, log logx.Logger) *Retry {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1000
	}
	if cfg.FirstDelay <= 0 {
		cfg.FirstDelay = 5 * time.Second
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Retry{
		idle:    idle,
		cfg:     cfg,
		out:     out,
		log:     log.With(logx.String("comp", "retry")),
		stop:    stop,
		flushed: flushed,
		sem:     semaphore.NewWeighted(int64(cfg.MaxPending)),
	}
}

// HandleTransient schedules m for another attempt. It returns false when the
// message was dropped: retry limit exceeded or ctx ended before a slot was
// free.
func (r *Retry) HandleTransient(ctx context.Context, m *DeliveryMessage, cause error) bool {
	m.RetryCount++
	if m.RetryCount > r.cfg.Limit {
		r.dropped.Add(1)
		r.log.Error("send failed, retry limit exceeded",
			logx.Camera(m.CameraName),
			logx.Target(m.TargetName),
			logx.Int("retries", m.RetryCount-1),
			logx.Err(cause),
		)
		return false
	}

	delay := RetryDelay(m.RetryCount, cause, r.cfg.FirstDelay, r.cfg.Delay)
	r.log.Info("send failed, retrying",
		logx.Camera(m.CameraName),
		logx.Target(m.TargetName),
		logx.Int("attempt", m.RetryCount),
		logx.Duration("delay", delay),
		logx.Err(cause),
	)

	// The caller still holds its dispatcher slot here, and requeueAfter
	// holds this retry slot while pushing onto the send queue.
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.dropped.Add(1)
		r.log.Warn("retry dropped, no slot before abort", logx.Camera(m.CameraName))
		return false
	}
	r.begin()
	go r.requeueAfter(ctx, m, delay)
	return true
}

func (r *Retry) requeueAfter(ctx context.Context, m *DeliveryMessage, delay time.Duration) {
	defer r.end()
	defer r.sem.Release(1)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.stop:
		r.log.Debug("retry back-off cut short by shutdown", logx.Camera(m.CameraName), logx.Target(m.TargetName))
	case <-ctx.Done():
		r.dropped.Add(1)
		return
	}

	select {
	case <-r.flushed:
		r.dropped.Add(1)
		r.log.Warn("retry dropped, send queue already flushed", logx.Camera(m.CameraName))
		return
	default:
	}
	select {
	case r.out <- DeliveryItem(m):
	case <-r.flushed:
		r.dropped.Add(1)
		r.log.Warn("retry dropped, send queue already flushed", logx.Camera(m.CameraName))
	case <-ctx.Done():
		r.dropped.Add(1)
	}
}

func (r *Retry) begin() {
	r.mu.Lock()
	if r.active == 0 {
		r.idle = make(chan struct{})
	}
	r.active++
	r.mu.Unlock()
}

func (r *Retry) end() {
	r.mu.Lock()
	r.active--
	if r.active == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

// Pending returns the number of retries waiting for their back-off.
func (r *Retry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Dropped returns how many deliveries were given up by the retry path.
func (r *Retry) Dropped() int { return int(r.dropped.Load()) }

// Wait blocks until no retry is pending or ctx ends. Retries scheduled
// after it returns are not waited for.
func (r *Retry) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
