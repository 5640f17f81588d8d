package notifier

import (
	"context"
	"fmt"
	"html"
	"runtime/debug"
	"strings"
	"time"

	"onpatrol/internal/event"
	"onpatrol/internal/rules"
	logx "onpatrol/pkg/logx"
)

const timeLayout = "2006-01-02 15:04:05"

// Scheduler matches events against cluster rules and queues one
// DeliveryMessage per subscribed target.
type Scheduler struct {
	in   <-chan Item
	out  chan<- Item
	snap SnapshotSource
	log  logx.Logger
	now  func() time.Time
}

func NewScheduler(in <-chan Item, out chan<- Item, snap SnapshotSource, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{in: in, out: out, snap: snap, log: log.With(logx.String("comp", "scheduler")), now: time.Now}
}

// Run consumes events until a stop Item arrives, which is forwarded once to
// the send queue. ctx aborts blocked pushes.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-s.in:
			switch it.Kind {
			case KindStop:
				s.log.Debug("stop received, forwarding")
				return Forward(ctx, s.out)
			case KindEvent:
				if err := s.handle(ctx, it.Event); err != nil {
					return err
				}
			default:
				s.log.Warn("unexpected item", logx.String("kind", it.Kind.String()))
			}
		}
	}
}

// handle returns an error only when ctx ended while pushing.
func (s *Scheduler) handle(ctx context.Context, ev event.Event) error {
	msgs, err := s.plan(ev)
	if err != nil {
		s.log.Error("event skipped", logx.Camera(ev.CameraName), logx.Err(err))
		return nil
	}
	if len(msgs) == 0 {
		s.log.Debug("no notifications to send", logx.Camera(ev.CameraName))
		return nil
	}
	s.log.Debug("queuing notifications", logx.Camera(ev.CameraName), logx.Int("count", len(msgs)))
	for _, m := range msgs {
		if err := Push(ctx, s.out, DeliveryItem(m)); err != nil {
			return err
		}
	}
	return nil
}

// plan recovers from panics so one malformed event can't stop the stage.
func (s *Scheduler) plan(ev event.Event) (msgs []*DeliveryMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("scheduler panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	var snap *Snapshot
	if s.snap != nil {
		snap = s.snap.Snapshot()
	}
	return Plan(ev, snap, s.now()), nil
}

// Plan builds the deliveries for ev under snap. now is used when the event
// carries no time.
func Plan(ev event.Event, snap *Snapshot, now time.Time) []*DeliveryMessage {
	if snap == nil {
		return nil
	}
	loc := snap.Loc()
	if ev.Time.IsZero() {
		ev.Time = now
	}
	ev.Time = ev.Time.In(loc)

	matched := rules.MatchClusters(ev, snap.Clusters, now.In(loc))
	if len(matched) == 0 {
		return nil
	}

	var out []*DeliveryMessage
	for _, t := range snap.Targets {
		if !t.Eligible() || !t.Subscribes(matched) {
			continue
		}
		out = append(out, &DeliveryMessage{
			Token:      t.Token,
			ChatID:     t.ChatID,
			Text:       RenderText(ev, t.IndicateEventType),
			Media:      append([]string(nil), ev.Media...),
			ExpiryTTL:  t.ExpiryTTL,
			IsGroup:    t.IsGroup,
			CameraName: ev.CameraName,
			TargetName: t.Name,
		})
	}
	return out
}

// RenderText formats the notification body (HTML parse mode).
func RenderText(ev event.Event, withTypes bool) string {
	var b strings.Builder
	if withTypes && len(ev.EventTypes) > 0 {
		b.WriteString(html.EscapeString(strings.Join(ev.EventTypes, ", ")))
		b.WriteByte('\n')
	}
	b.WriteString(html.EscapeString(ev.CameraName))
	b.WriteByte('\n')
	b.WriteString(ev.Time.Format(timeLayout))
	return b.String()
}
