package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onpatrol/internal/event"
	"onpatrol/internal/transport"
)

type recordingMessenger struct {
	mu    sync.Mutex
	texts map[string][]string // chat id -> texts
	next  int
}

func (m *recordingMessenger) SendText(_ context.Context, _, chatID, text string) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.texts == nil {
		m.texts = map[string][]string{}
	}
	m.texts[chatID] = append(m.texts[chatID], text)
	m.next++
	return transport.MessageRef{ChatID: chatID, MessageID: m.next}, nil
}

func (m *recordingMessenger) SendPhoto(ctx context.Context, token, chatID, _, caption string) (transport.MessageRef, error) {
	return m.SendText(ctx, token, chatID, caption)
}

func (m *recordingMessenger) SendVideo(ctx context.Context, token, chatID, _, caption string) (transport.MessageRef, error) {
	return m.SendText(ctx, token, chatID, caption)
}

func (m *recordingMessenger) DeleteMessage(context.Context, string, string, int) error { return nil }

func (m *recordingMessenger) GetChat(_ context.Context, _, chatID string) (transport.Chat, error) {
	if chatID == "404" {
		return transport.Chat{}, &transport.Error{Kind: transport.KindChatNotFound, Op: "getChat"}
	}
	return transport.Chat{Title: "chat " + chatID}, nil
}

func (m *recordingMessenger) GetMe(context.Context, string) (transport.BotInfo, error) {
	return transport.BotInfo{ID: 1, Username: "onpatrol_bot"}, nil
}

func (m *recordingMessenger) Texts(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts[chatID]...)
}

const appConfig = `
logging:
  level: error
notifier:
  timezone: UTC
  shutdown_timeout: 5s
storage:
  driver: memory
clusters:
  all:
    - event_types: [Intrusion Detection]
targets:
  - name: family
    clusters: [all]
    token: "1:a"
    chat_id: -100
    expiry_ttl: 1h
  - name: gone
    clusters: [all]
    token: "1:a"
    chat_id: "404"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestAppDeliversToVerifiedTargets(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "onpatrol.yaml", appConfig)
	msgr := &recordingMessenger{}

	a, err := NewApp(Options{Env: Env{ConfigPath: path}, Messenger: msgr})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	snap := a.Snapshot()
	require.Len(t, snap.Targets, 2)
	assert.True(t, snap.Targets[0].Verification.Active)
	assert.False(t, snap.Targets[1].Verification.Active)

	st := a.status()
	assert.True(t, st.Running)
	assert.Positive(t, st.Goroutines)
	require.Len(t, st.Targets, 2)
	assert.Equal(t, "onpatrol_bot", st.Targets[0].Bot)
	assert.False(t, st.Targets[1].Active)

	ev := event.Event{
		CameraName: "Porch",
		EventTypes: []string{"Intrusion Detection"},
		Time:       time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC),
	}
	require.NoError(t, a.Submit(context.Background(), ev))
	require.NoError(t, a.Stop(context.Background(), StopAppStop))

	assert.Equal(t, []string{"Porch\n2024-01-01 23:00:00"}, msgr.Texts("-100"))
	assert.Empty(t, msgr.Texts("404"))
	assert.False(t, a.status().Running)
}

func TestAppReloadReverifiesTargets(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "onpatrol.yaml", appConfig)
	msgr := &recordingMessenger{}

	a, err := NewApp(Options{Env: Env{ConfigPath: path}, Messenger: msgr})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()
	time.Sleep(100 * time.Millisecond) // let the watcher start

	updated := appConfig + `  - name: friend
    clusters: [all]
    token: "1:a"
    chat_id: "7"
`
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(updated), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		ts := a.Snapshot().Targets
		return len(ts) == 3 && ts[2].Verification.Active
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "onpatrol.yaml", "targets: [{name: x}]\n")
	_, err := NewApp(Options{Env: Env{ConfigPath: path}, Messenger: &recordingMessenger{}})
	assert.Error(t, err)

	_, err = NewApp(Options{Messenger: &recordingMessenger{}})
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "ONPATROL_DB_PATH="+filepath.Join(dir, "onpatrol.db")+"\nONPATROL_LOG_LEVEL=debug\n")
	t.Setenv("ONPATROL_LOG_LEVEL", "warn")
	t.Setenv("ONPATROL_CONFIG", filepath.Join(dir, "c.yaml"))

	e, err := LoadEnv(dotenv, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c.yaml"), e.ConfigPath)
	assert.Equal(t, "warn", e.LogLevel, "real environment wins over .env")
	assert.Equal(t, filepath.Join(dir, "onpatrol.db"), e.DBPath)
	t.Cleanup(func() { _ = os.Unsetenv("ONPATROL_DB_PATH") })

	writeFile(t, dir, "c.yaml", "logging:\n  level: error\n")
	a, err := NewApp(Options{Env: e, Messenger: &recordingMessenger{}})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "warn", a.cfg.Logging.Level)
	assert.Equal(t, "sqlite", a.cfg.Storage.Driver)
	assert.FileExists(t, e.DBPath)
}
