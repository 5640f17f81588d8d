package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onpatrol/internal/event"
	"onpatrol/internal/notifier"
	"onpatrol/internal/rules"
	"onpatrol/internal/storage"
)

type fakeDetector struct {
	labels []string
	err    error
	// hold blocks detection for holdCamera until closed.
	hold       chan struct{}
	holdCamera string

	mu    sync.Mutex
	conf  float64
	calls int
}

func (d *fakeDetector) Detect(ctx context.Context, ev event.Event, minConfidence float64) ([]string, error) {
	d.mu.Lock()
	d.calls++
	d.conf = minConfidence
	d.mu.Unlock()
	if d.hold != nil && ev.CameraName == d.holdCamera {
		select {
		case <-d.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.labels, d.err
}

func snapshots() *notifier.SnapshotStore {
	return notifier.NewSnapshotStore(&notifier.Snapshot{
		Location: time.UTC,
		Profiles: []rules.Profile{
			{Name: "night", IPCNames: []string{"*"}, MinConfidence: 0.6, Enabled: true, Schedule: rules.Schedule{Days: rules.EveryDay()}},
		},
	})
}

func porchEvent(i int) event.Event {
	return event.Event{
		CameraID:   "cam-1",
		CameraName: "Porch",
		EventTypes: []string{"Motion Detection"},
		Time:       time.Date(2024, 1, 1, 23, 0, i, 0, time.UTC),
		Media:      []string{"a.jpg"},
	}
}

func TestRecorderForwardsOneStopPerOut(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	r := &Recorder{Store: st, Snapshots: snapshots()}

	in := make(chan notifier.Item, 10)
	a := make(chan notifier.Item, 10)
	b := make(chan notifier.Item, 10)
	const n = 3
	for i := 0; i < n; i++ {
		in <- notifier.EventItem(porchEvent(i))
	}
	in <- notifier.StopItem()
	in <- notifier.EventItem(porchEvent(9))

	require.NoError(t, r.Run(context.Background(), in, a, b))
	close(a)
	close(b)

	for _, q := range []chan notifier.Item{a, b} {
		var kinds []notifier.Kind
		for it := range q {
			kinds = append(kinds, it.Kind)
		}
		assert.Equal(t, []notifier.Kind{notifier.KindEvent, notifier.KindEvent, notifier.KindEvent, notifier.KindStop}, kinds)
	}
	assert.Len(t, in, 1, "nothing after the stop Item is consumed")

	log := st.EventLog()
	require.Len(t, log, n)
	for _, e := range log {
		assert.NotEmpty(t, e.GUID)
		assert.Equal(t, "night", e.Profile)
		assert.InDelta(t, 0.6, e.MinConfidence, 1e-9)
	}
}

func TestRecorderAddsDetectionLabels(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{labels: []string{"person", "motion detection"}}
	r := &Recorder{Snapshots: snapshots(), Detector: det}

	in := make(chan notifier.Item, 2)
	out := make(chan notifier.Item, 2)
	in <- notifier.EventItem(porchEvent(0))
	in <- notifier.StopItem()
	require.NoError(t, r.Run(context.Background(), in, out))

	got := (<-out).Event
	assert.Equal(t, []string{"Motion Detection", "person"}, got.EventTypes)
	assert.Equal(t, 1, det.calls)
	assert.InDelta(t, 0.6, det.conf, 1e-9)
}

func TestRecorderSlowDetectionDoesNotStallOthers(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{labels: []string{"person"}, hold: make(chan struct{}), holdCamera: "Gate"}
	r := &Recorder{Snapshots: snapshots(), Detector: det}

	gate := porchEvent(0)
	gate.CameraID, gate.CameraName = "cam-2", "Gate"
	in := make(chan notifier.Item, 3)
	out := make(chan notifier.Item, 3)
	in <- notifier.EventItem(gate)
	in <- notifier.EventItem(porchEvent(1))
	in <- notifier.StopItem()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), in, out) }()

	select {
	case it := <-out:
		assert.Equal(t, "Porch", it.Event.CameraName)
	case <-time.After(2 * time.Second):
		t.Fatal("porch event held back by gate detection")
	}
	select {
	case <-done:
		t.Fatal("stage returned while gate event in flight")
	default:
	}

	close(det.hold)
	require.NoError(t, <-done)
	assert.Equal(t, "Gate", (<-out).Event.CameraName)
	assert.Equal(t, notifier.KindStop, (<-out).Kind)
}

func TestRecorderDetectionFailureKeepsEvent(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{err: errors.New("model offline")}
	r := &Recorder{Snapshots: snapshots(), Detector: det}

	in := make(chan notifier.Item, 2)
	out := make(chan notifier.Item, 2)
	in <- notifier.EventItem(porchEvent(0))
	in <- notifier.StopItem()
	require.NoError(t, r.Run(context.Background(), in, out))
	assert.Equal(t, []string{"Motion Detection"}, (<-out).Event.EventTypes)
}

func TestRecorderSkipsDetectionWithoutProfile(t *testing.T) {
	t.Parallel()
	det := &fakeDetector{labels: []string{"person"}}
	r := &Recorder{Snapshots: notifier.NewSnapshotStore(nil), Detector: det}

	in := make(chan notifier.Item, 2)
	out := make(chan notifier.Item, 2)
	in <- notifier.EventItem(porchEvent(0))
	in <- notifier.StopItem()
	require.NoError(t, r.Run(context.Background(), in, out))
	assert.Zero(t, det.calls)
}

func TestRecorderAbort(t *testing.T) {
	t.Parallel()
	r := &Recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Run(ctx, make(chan notifier.Item)), context.Canceled)
}
