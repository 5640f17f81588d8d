package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onpatrol/internal/storage"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

func seed(t *testing.T, st storage.Store, guid string, msgID int, exp time.Time) {
	t.Helper()
	require.NoError(t, st.AddSentItem(context.Background(), storage.SentItem{GUID: guid, Token: "tok", ChatID: "100", MessageID: msgID, ExpiresAt: exp}))
}

func TestCleanupDeletesExpiredOnce(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := time.Now()
	seed(t, st, "old", 1, now.Add(-time.Minute))
	seed(t, st, "new", 2, now.Add(time.Hour))

	msgr := &fakeMessenger{}
	c := &Cleanup{Store: st, Messenger: msgr, Flood: fastFlood()}

	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1}, msgr.Deletes())

	n, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int{1}, msgr.Deletes(), "a deleted item is never returned again")
}

func TestCleanupTransientErrorLeavesItem(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, "a", 1, time.Now().Add(-time.Minute))
	seed(t, st, "b", 2, time.Now().Add(-time.Minute))

	msgr := &fakeMessenger{deleteFail: func(id int) error {
		switch id {
		case 1:
			return &transport.Error{Kind: transport.KindRateLimited, Op: "deleteMessage", Err: errors.New("Too Many Requests")}
		case 2:
			return &transport.Error{Kind: transport.KindAPI, Op: "deleteMessage", Err: errors.New("Bad Request: message to delete not found")}
		}
		return nil
	}}
	c := &Cleanup{Store: st, Messenger: msgr, Flood: fastFlood()}

	n, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "permanent failure is marked deleted")

	left, err := st.ExpiredSentItems(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a", left[0].GUID)
}

func TestCleanupStopsMidScan(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	for i := 0; i < 5; i++ {
		seed(t, st, string(rune('a'+i)), i, time.Now().Add(-time.Minute))
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgr := &fakeMessenger{deleteFail: func(id int) error {
		if id == 1 {
			cancel()
		}
		return nil
	}}
	c := &Cleanup{Store: st, Messenger: msgr, Flood: fastFlood()}

	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 2)
	assert.Less(t, len(msgr.Deletes()), 5)
}

func TestCleanupRunExitsOnStop(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := &Cleanup{Store: st, Messenger: &fakeMessenger{}, Interval: time.Hour, Log: logx.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop")
	}
}

func TestPurgerRemovesDeletedRows(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, "a", 1, time.Now().Add(-time.Minute))
	require.NoError(t, st.MarkSentItemDeleted(context.Background(), "a"))

	p, err := NewPurger("@every 1s", time.UTC, st, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, p)
	p.Start()
	defer p.Stop(context.Background())

	require.Eventually(t, func() bool { return len(st.SentItems()) == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestPurgerDisabledAndInvalid(t *testing.T) {
	t.Parallel()
	p, err := NewPurger("", time.UTC, storage.NewMemory(), logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, p)
	p.Start()
	p.Stop(context.Background())

	_, err = NewPurger("not a schedule", time.UTC, storage.NewMemory(), logx.Nop())
	assert.Error(t, err)
}
