// Package recorder is the pipeline stage that logs each incoming event to
// storage and optionally tags it with object-detection labels before the
// scheduler sees it.
package recorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"onpatrol/internal/event"
	"onpatrol/internal/notifier"
	"onpatrol/internal/rules"
	"onpatrol/internal/storage"
	logx "onpatrol/pkg/logx"
)

// Detector labels the media of an event. minConfidence comes from the
// detection profile selected for the event.
type Detector interface {
	Detect(ctx context.Context, ev event.Event, minConfidence float64) ([]string, error)
}

// Recorder implements notifier.Stage.
type Recorder struct {
	Store     storage.Store
	Snapshots notifier.SnapshotSource
	Detector  Detector
	Log       logx.Logger

	// DetectTimeout bounds one Detect call; 0 means 30s.
	DetectTimeout time.Duration
	// MaxConcurrent bounds events processed at once; 0 means 8.
	MaxConcurrent int

	now func() time.Time
}

var _ notifier.Stage = (*Recorder)(nil)

func (*Recorder) Name() string { return "recorder" }

// Run copies every event from in to each of outs. Events are processed
// concurrently, so one slow detection does not hold back the rest. A stop
// Item is forwarded once to every out after all events ahead of it, and Run
// returns.
func (r *Recorder) Run(ctx context.Context, in <-chan notifier.Item, outs ...chan<- notifier.Item) error {
	n := r.MaxConcurrent
	if n <= 0 {
		n = 8
	}
	sem := semaphore.NewWeighted(int64(n))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var it notifier.Item
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it = <-in:
		}
		if it.IsStop() {
			wg.Wait()
			return notifier.Forward(ctx, outs...)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(it notifier.Item) {
			defer wg.Done()
			defer sem.Release(1)
			if it.Kind == notifier.KindEvent {
				it = notifier.EventItem(r.process(ctx, it.Event))
			}
			for _, q := range outs {
				if notifier.Push(ctx, q, it) != nil {
					return
				}
			}
		}(it)
	}
}

func (r *Recorder) process(ctx context.Context, ev event.Event) event.Event {
	log := r.logger().With(logx.Camera(ev.CameraName))
	profile, hasProfile := r.profile(ev)

	if r.Detector != nil && hasProfile && len(ev.Media) > 0 && !ev.IsTest() {
		timeout := r.DetectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		labels, err := r.Detector.Detect(dctx, ev, profile.MinConfidence)
		cancel()
		switch {
		case err != nil:
			log.Warn("detection failed", logx.String("profile", profile.Name), logx.Err(err))
		case len(labels) > 0:
			ev = ev.WithLabels(labels...)
			log.Debug("detection labels added", logx.Strings("labels", labels))
		}
	}

	if r.Store != nil {
		entry := storage.EventLogEntry{
			CameraID:      ev.CameraID,
			CameraName:    ev.CameraName,
			ChannelName:   ev.ChannelName,
			ChannelNumber: ev.ChannelNumber,
			EventTypes:    ev.EventTypes,
			EventTime:     ev.Time,
		}
		if hasProfile {
			entry.Profile = profile.Name
			entry.MinConfidence = profile.MinConfidence
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := r.Store.AppendEventLog(sctx, entry)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrDisabled) {
			log.Error("failed to append event log", logx.Err(err))
		}
	}
	return ev
}

func (r *Recorder) profile(ev event.Event) (rules.Profile, bool) {
	if r.Snapshots == nil {
		return rules.Profile{}, false
	}
	snap := r.Snapshots.Snapshot()
	if snap == nil || len(snap.Profiles) == 0 {
		return rules.Profile{}, false
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	if !ev.Time.IsZero() {
		ev.Time = ev.Time.In(snap.Loc())
	}
	return rules.SelectProfile(ev, snap.Profiles, now().In(snap.Loc()))
}

func (r *Recorder) logger() logx.Logger {
	if r.Log.IsZero() {
		return logx.Nop()
	}
	return r.Log.With(logx.String("comp", "recorder"))
}
