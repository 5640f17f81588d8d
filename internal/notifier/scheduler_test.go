package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onpatrol/internal/event"
	"onpatrol/internal/rules"
	logx "onpatrol/pkg/logx"
)

// 2024-01-01 is a Monday.
var monday2300 = time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)

func nightSnapshot(targets ...Target) *Snapshot {
	days := rules.Days{}
	days[time.Monday] = true
	return &Snapshot{
		Location: time.UTC,
		Clusters: rules.Clusters{
			"clusterA": {{
				EventTypes: []string{"intrusion detection"},
				Enabled:    true,
				Schedule: rules.Schedule{
					Days:   days,
					Window: rules.Window{Start: rules.MustClock("21:00"), Stop: rules.MustClock("06:00")},
				},
			}},
		},
		Targets: targets,
	}
}

func verified(name string, clusters ...string) Target {
	return Target{
		Name:         name,
		Enabled:      true,
		Clusters:     clusters,
		Token:        "tok-" + name,
		ChatID:       "100",
		Verification: Verification{Active: true, Reason: ReasonActive},
	}
}

func cam1Event() event.Event {
	return event.Event{
		CameraName:    "Cam1",
		ChannelNumber: "1",
		EventTypes:    []string{"Intrusion Detection"},
		Time:          monday2300,
	}
}

func TestPlanScenarioQueuesExactlyOne(t *testing.T) {
	t.Parallel()
	snap := nightSnapshot(verified("family", "clusterA"))

	msgs := Plan(cam1Event(), snap, time.Now())
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "tok-family", m.Token)
	assert.Equal(t, "100", m.ChatID)
	assert.Equal(t, "family", m.TargetName)
	assert.Equal(t, "Cam1\n2024-01-01 23:00:00", m.Text)
	assert.Zero(t, m.RetryCount)
}

func TestPlanSkipsIneligibleTargets(t *testing.T) {
	t.Parallel()
	disabled := verified("disabled", "clusterA")
	disabled.Enabled = false
	unverified := verified("unverified", "clusterA")
	unverified.Verification = Verification{Active: false, Reason: ReasonChatNotFound}
	other := verified("other", "clusterB")

	snap := nightSnapshot(disabled, unverified, other, verified("ok", "CLUSTERA"))
	msgs := Plan(cam1Event(), snap, time.Now())
	require.Len(t, msgs, 1)
	assert.Equal(t, "ok", msgs[0].TargetName)
}

func TestPlanOutsideWindow(t *testing.T) {
	t.Parallel()
	ev := cam1Event()
	ev.Time = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Empty(t, Plan(ev, nightSnapshot(verified("x", "clusterA")), time.Now()))
}

func TestPlanCopiesMediaAndRendersTypes(t *testing.T) {
	t.Parallel()
	tg := verified("x", "clusterA")
	tg.IndicateEventType = true
	tg.ExpiryTTL = time.Hour
	tg.IsGroup = true
	ev := cam1Event().WithMedia("a.jpg", "b.mp4")
	ev.CameraName = "Cam1 <porch>"

	msgs := Plan(ev, nightSnapshot(tg), time.Now())
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "Intrusion Detection\nCam1 &lt;porch&gt;\n2024-01-01 23:00:00", m.Text)
	assert.Equal(t, []string{"a.jpg", "b.mp4"}, m.Media)
	assert.Equal(t, time.Hour, m.ExpiryTTL)
	assert.True(t, m.IsGroup)

	m.Media[0] = ""
	assert.Equal(t, "a.jpg", ev.Media[0], "delivery owns its own media slice")
}

func TestPlanUsesSnapshotLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+2", 2*3600)
	snap := nightSnapshot(verified("x", "clusterA"))
	snap.Location = loc

	// 20:30 UTC is 22:30 local: inside 21:00-06:00.
	ev := cam1Event()
	ev.Time = time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)
	msgs := Plan(ev, snap, time.Now())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "2024-01-01 22:30:00")
}

func TestSchedulerForwardsOneStopAfterDeliveries(t *testing.T) {
	t.Parallel()
	in := make(chan Item, 10)
	out := make(chan Item, 10)
	snap := NewSnapshotStore(nightSnapshot(verified("a", "clusterA"), verified("b", "clusterA")))
	s := NewScheduler(in, out, snap, logx.Nop())

	in <- EventItem(cam1Event())
	in <- StopItem()
	in <- EventItem(cam1Event()) // after stop: never processed

	require.NoError(t, s.Run(context.Background()))
	close(out)

	var kinds []Kind
	for it := range out {
		kinds = append(kinds, it.Kind)
	}
	assert.Equal(t, []Kind{KindDelivery, KindDelivery, KindStop}, kinds)
	assert.Len(t, in, 1)
}

type panicSource struct{ calls int }

func (p *panicSource) Snapshot() *Snapshot {
	p.calls++
	if p.calls == 1 {
		panic("bad snapshot")
	}
	return nightSnapshot(verified("a", "clusterA"))
}

func TestSchedulerSurvivesBadEvent(t *testing.T) {
	t.Parallel()
	in := make(chan Item, 10)
	out := make(chan Item, 10)
	s := NewScheduler(in, out, &panicSource{}, logx.Nop())

	in <- EventItem(cam1Event())
	in <- EventItem(cam1Event())
	in <- StopItem()
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, out, 2)
	assert.Equal(t, KindDelivery, (<-out).Kind)
	assert.Equal(t, KindStop, (<-out).Kind)
}

func TestSchedulerPushHonoursAbort(t *testing.T) {
	t.Parallel()
	in := make(chan Item, 1)
	out := make(chan Item) // nobody reads
	s := NewScheduler(in, out, NewSnapshotStore(nightSnapshot(verified("a", "clusterA"))), logx.Nop())
	in <- EventItem(cam1Event())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
}
