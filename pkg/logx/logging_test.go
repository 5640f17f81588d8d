package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSinkForwardsWarnings(t *testing.T) {
	svc, log := New(Config{Level: "debug", Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	got := make(chan string, 4)
	svc.SetTelegramSender(func(_ context.Context, text string) error {
		got <- text
		return nil
	})

	log.Info("routine")
	log.With(String("comp", "cleanup")).Warn("delete failed", Int("msg_id", 7), Err(errors.New("boom")))

	select {
	case msg := <-got:
		assert.True(t, strings.HasPrefix(msg, "[WARN] delete failed"), msg)
		assert.Contains(t, msg, "- comp=cleanup")
		assert.Contains(t, msg, "- err=boom")
		assert.Contains(t, msg, "- msg_id=7")
	case <-time.After(2 * time.Second):
		t.Fatal("warning was not forwarded")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected forward: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onpatrol.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("hidden")
	log.Info("started", String("db", "sqlite"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"message":"started"`)
	assert.Contains(t, lines[0], `"db":"sqlite"`)
	assert.Contains(t, lines[0], `"caller":"logging_test.go:`)
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	out := formatTelegramJSON([]byte(`{"level":"error","time":"x","message":"send failed","target":"family","camera":"Porch"}` + "\n"))
	assert.Equal(t, "[ERROR] send failed\n- camera=Porch\n- target=family", out)

	assert.Equal(t, "plain text", formatTelegramJSON([]byte("  plain text \n")))
}

func TestLevels(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidLevel("Warning"))
	assert.True(t, ValidLevel("debug"))
	assert.False(t, ValidLevel("loud"))

	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Info("no panic")
}

func TestDomainFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.With(Camera("Porch")).Info("routed",
		Target("family"), Chat("-100"), Strings("labels", []string{"person", "car"}), Float64("conf", 0.5))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(b)
	assert.Contains(t, line, `"camera":"Porch"`)
	assert.Contains(t, line, `"target":"family"`)
	assert.Contains(t, line, `"chat_id":"-100"`)
	assert.Contains(t, line, `"labels":["person","car"]`)
	assert.Contains(t, line, `"conf":0.5`)
}
