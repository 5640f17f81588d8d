package notifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"onpatrol/internal/flood"
	"onpatrol/internal/storage"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

// Cleanup deletes delivered messages whose expiry has passed.
type Cleanup struct {
	Store     storage.Store
	Messenger transport.Messenger
	Flood     *flood.Controller
	Interval  time.Duration
	Batch     int
	Log       logx.Logger

	now func() time.Time
}

// Run scans every Interval until ctx ends. ctx is the stop signal: it also
// interrupts a scan in progress.
func (c *Cleanup) Run(ctx context.Context) error {
	interval := c.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger().Error("cleanup scan failed", logx.Err(err))
		}
		t.Reset(interval)
	}
}

// RunOnce performs one scan and returns how many items were marked deleted.
func (c *Cleanup) RunOnce(ctx context.Context) (int, error) {
	if c.Store == nil {
		return 0, nil
	}
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	items, err := c.Store.ExpiredSentItems(ctx, now(), c.Batch)
	if err != nil {
		return 0, err
	}
	log := c.logger()
	deleted := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return deleted, nil
		}
		if c.Flood != nil {
			if err := c.Flood.Delay(ctx, it.Token, it.ChatID, flood.DelayOptions{IsGroup: true, APIOnly: true}); err != nil {
				return deleted, nil
			}
		}
		err := c.Messenger.DeleteMessage(ctx, it.Token, it.ChatID, it.MessageID)
		if err != nil {
			if ctx.Err() != nil {
				return deleted, nil
			}
			if Classify(err) != Permanent {
				log.Debug("delete deferred to next scan", logx.Chat(it.ChatID), logx.Int("msg_id", it.MessageID), logx.Err(err))
				continue
			}
			// The message is gone or can't ever be deleted; stop asking.
			log.Warn("delete failed permanently", logx.Chat(it.ChatID), logx.Int("msg_id", it.MessageID), logx.Err(err))
		}
		if err := c.Store.MarkSentItemDeleted(context.WithoutCancel(ctx), it.GUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("failed to mark sent item deleted", logx.String("guid", it.GUID), logx.Err(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Debug("expired messages deleted", logx.Int("count", deleted))
	}
	return deleted, nil
}

func (c *Cleanup) logger() logx.Logger {
	if c.Log.IsZero() {
		return logx.Nop()
	}
	return c.Log
}

// Purger drops sent_items rows already marked deleted on a cron schedule.
type Purger struct {
	store storage.Store
	log   logx.Logger
	c     *cron.Cron
}

// NewPurger returns nil when spec is empty or store is nil.
func NewPurger(spec string, loc *time.Location, store storage.Store, log logx.Logger) (*Purger, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" || store == nil {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Purger{store: store, log: log.With(logx.String("comp", "purge"))}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	p.c = cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := p.c.AddFunc(spec, p.runOnce); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Purger) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := p.store.PurgeDeletedSentItems(ctx)
	if err != nil {
		p.log.Error("purge failed", logx.Err(err))
		return
	}
	if n > 0 {
		p.log.Info("purged deleted sent items", logx.Int64("rows", n))
	}
}

func (p *Purger) Start() {
	if p == nil {
		return
	}
	p.c.Start()
}

// Stop waits for a running purge to finish or ctx to end.
func (p *Purger) Stop(ctx context.Context) {
	if p == nil {
		return
	}
	select {
	case <-p.c.Stop().Done():
	case <-ctx.Done():
	}
}
