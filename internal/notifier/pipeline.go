package notifier

import (
	"context"
	"errors"
	"sync"

	"onpatrol/internal/event"
	"onpatrol/internal/flood"
	rtsup "onpatrol/internal/runtime/supervisor"
	"onpatrol/internal/storage"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

var (
	ErrStopped    = errors.New("notifier stopped")
	ErrNotStarted = errors.New("notifier not started")
)

// Stage is an upstream pipeline stage placed before the Scheduler. On a stop
// Item it must push exactly one stop Item to each of outs and return.
type Stage interface {
	Name() string
	Run(ctx context.Context, in <-chan Item, outs ...chan<- Item) error
}

// Deps are the collaborators of a Pipeline. Store may be nil.
type Deps struct {
	Snapshots SnapshotSource
	Messenger transport.Messenger
	Flood     *flood.Controller
	Store     storage.Store
	Log       logx.Logger
	// Pre, if set, runs between the input queue and the Scheduler.
	Pre Stage
}

// Pipeline wires input -> [Pre] -> Scheduler -> Dispatcher -> Workers, plus
// the retry scheduler, expiry cleanup and purge job.
//
// It is safe for concurrent use.
type Pipeline struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	accepting bool
	submitWG  sync.WaitGroup

	input      chan Item
	sup        *rtsup.Supervisor
	stopSignal context.CancelFunc
	disp       *Dispatcher
	retry      *Retry
	purger     *Purger
	stages     sync.WaitGroup
	drained    chan struct{}
	stopDone   chan struct{} // non-nil while stopping
}

func NewPipeline(cfg Config, deps Deps) *Pipeline {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Flood == nil {
		deps.Flood = flood.New(flood.Config{})
	}
	return &Pipeline{cfg: cfg.withDefaults(), deps: deps, log: log.With(logx.String("comp", "pipeline"))}
}

// Start launches every stage. It is a no-op while running.
func (p *Pipeline) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.input != nil {
		return nil
	}
	if p.deps.Messenger == nil {
		return errors.New("notifier: messenger is required")
	}
	cfg := p.cfg

	purger, err := NewPurger(cfg.PurgeSchedule, p.snapshot().Loc(), p.deps.Store, p.log)
	if err != nil {
		return err
	}

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(p.log),
		// one failing stage must not cancel the others mid-drain.
		rtsup.WithCancelOnError(false),
	)
	runCtx := sup.Context()
	stopCtx, stopSignal := context.WithCancel(runCtx)

	input := make(chan Item, cfg.EventQueueSize)
	sendQ := make(chan Item, cfg.SendQueueSize)

	schedIn := (<-chan Item)(input)
	var pre chan Item
	if p.deps.Pre != nil {
		pre = make(chan Item, cfg.EventQueueSize)
		schedIn = pre
	}

	disp := NewDispatcher(sendQ, nil, cfg.MaxConcurrentSends, p.log)
	retry := NewRetry(RetryConfig{
		Limit:      cfg.RetryLimit,
		MaxPending: cfg.MaxPendingRetries,
		FirstDelay: cfg.RetryFirstDelay,
		Delay:      cfg.RetryDelay,
	}, sendQ, stopCtx.Done(), disp.Flushed(), p.log)
	disp.sender = &Worker{
		Messenger: p.deps.Messenger,
		Flood:     p.deps.Flood,
		Store:     p.deps.Store,
		Retry:     retry,
		MediaDir:  cfg.MediaDir,
		Log:       p.log.With(logx.String("comp", "worker")),
	}
	sched := NewScheduler(schedIn, sendQ, p.deps.Snapshots, p.log)

	p.drained = make(chan struct{})
	stage := func(name string, fn func(context.Context) error) {
		p.stages.Add(1)
		sup.Go(name, func(c context.Context) error {
			defer p.stages.Done()
			return fn(c)
		})
	}
	if p.deps.Pre != nil {
		preStage := p.deps.Pre
		stage("stage."+preStage.Name(), func(c context.Context) error {
			return preStage.Run(c, input, pre)
		})
	}
	stage("scheduler", sched.Run)
	stage("dispatcher", disp.Run)

	if p.deps.Store != nil {
		cleanup := &Cleanup{
			Store:     p.deps.Store,
			Messenger: p.deps.Messenger,
			Flood:     p.deps.Flood,
			Interval:  cfg.CleanupInterval,
			Batch:     cfg.CleanupBatch,
			Log:       p.log.With(logx.String("comp", "cleanup")),
		}
		sup.GoRestart("cleanup", func(context.Context) error {
			return cleanup.Run(stopCtx)
		}, rtsup.WithPublishFirstError(true))
	}
	purger.Start()

	drained := p.drained
	go func() {
		p.stages.Wait()
		close(drained)
	}()

	p.input = input
	p.sup = sup
	p.stopSignal = stopSignal
	p.disp = disp
	p.retry = retry
	p.purger = purger
	p.accepting = true
	p.log.Info("notifier started",
		logx.Int("max_concurrent_sends", cfg.MaxConcurrentSends),
		logx.Int("send_queue", cfg.SendQueueSize),
		logx.Bool("storage", p.deps.Store != nil),
	)
	return nil
}

func (p *Pipeline) snapshot() *Snapshot {
	if p.deps.Snapshots == nil {
		return nil
	}
	return p.deps.Snapshots.Snapshot()
}

// Submit queues ev, blocking while the input queue is full.
func (p *Pipeline) Submit(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	if p.input == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	if !p.accepting {
		p.mu.Unlock()
		return ErrStopped
	}
	q := p.input
	aborted := p.sup.Context().Done()
	p.submitWG.Add(1)
	p.mu.Unlock()
	defer p.submitWG.Done()

	select {
	case q <- EventItem(ev):
		return nil
	case <-aborted:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Input exposes the first queue for producers that push their own stop Item.
func (p *Pipeline) Input() chan<- Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// Done is closed once every stage has seen the stop Item (or was aborted).
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drained == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.drained
}

// RetriesPending reports retries waiting for their back-off.
func (p *Pipeline) RetriesPending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retry == nil {
		return 0
	}
	return p.retry.Pending()
}

// Stop ends timed waits, lets pending retries re-queue, pushes a stop Item
// behind everything already queued and waits for stages, in-flight sends and
// retries. When ctx ends first the remaining work is aborted and ctx.Err()
// returned.
func (p *Pipeline) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.input == nil {
		p.mu.Unlock()
		return nil
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	p.stopDone = done
	p.accepting = false
	input, sup, drained := p.input, p.sup, p.drained
	disp, retry, purger := p.disp, p.retry, p.purger
	stopSignal := p.stopSignal
	p.mu.Unlock()

	stopSignal()

	go func() {
		defer close(done)
		p.submitWG.Wait()
		// Back-offs end with the stop signal; let those retries reach the
		// send queue ahead of the stop Item.
		_ = retry.Wait(sup.Context())
		select {
		case input <- StopItem():
		case <-drained:
			// A producer already pushed its own stop Item.
		case <-sup.Context().Done():
		}
		<-drained
		_ = disp.Wait(context.Background())
		_ = retry.Wait(context.Background())
		_ = sup.Stop(context.Background())
		purger.Stop(context.Background())

		p.mu.Lock()
		p.input = nil
		p.sup = nil
		p.stopDone = nil
		p.disp = nil
		p.retry = nil
		p.purger = nil
		p.mu.Unlock()
	}()

	select {
	case <-done:
		p.log.Info("notifier stopped")
		return nil
	case <-ctx.Done():
		p.log.Warn("notifier stop deadline reached, aborting in-flight sends", logx.Err(ctx.Err()))
		sup.Cancel()
		return ctx.Err()
	}
}
