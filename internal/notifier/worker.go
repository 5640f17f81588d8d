package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"onpatrol/internal/flood"
	"onpatrol/internal/storage"
	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

// Bot API caption limit, in characters.
const maxCaption = 1024

var videoExt = map[string]bool{".mp4": true, ".avi": true, ".mkv": true, ".mov": true}

// Worker executes one delivery: rate limit, send, record for expiry, and on
// failure hand the message to the retry scheduler or drop it.
type Worker struct {
	Messenger transport.Messenger
	Flood     *flood.Controller
	Store     storage.Store
	Retry     *Retry
	MediaDir  string
	Log       logx.Logger

	now func() time.Time
}

var _ Sender = (*Worker)(nil)

func (w *Worker) Send(ctx context.Context, m *DeliveryMessage) {
	log := w.log().With(logx.Camera(m.CameraName), logx.Target(m.TargetName))
	err := w.deliver(ctx, m, log)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		log.Warn("send aborted", logx.Err(err))
		return
	}
	class := Classify(err)
	if !class.Retryable() || w.Retry == nil {
		log.Error("failed to send notification", logx.String("class", class.String()), logx.Err(err))
		return
	}
	// Runs inside the dispatcher slot; it may wait for a retry slot.
	w.Retry.HandleTransient(ctx, m, err)
}

func (w *Worker) deliver(ctx context.Context, m *DeliveryMessage, log logx.Logger) error {
	if len(m.Media) == 0 {
		if strings.TrimSpace(m.Text) == "" {
			return nil
		}
		if err := w.delay(ctx, m); err != nil {
			return err
		}
		ref, err := w.Messenger.SendText(ctx, m.Token, m.ChatID, m.Text)
		if err != nil {
			return err
		}
		log.Info("text message sent")
		w.record(ctx, m, ref, log)
		return nil
	}

	n := len(m.Media)
	for i, name := range m.Media {
		if name == "" {
			continue
		}
		path := w.resolve(name)
		if _, err := os.Stat(path); err != nil {
			log.Warn("media file missing, skipped", logx.String("file", path), logx.Err(err))
			m.Media[i] = ""
			continue
		}
		if err := w.delay(ctx, m); err != nil {
			return err
		}

		var (
			ref transport.MessageRef
			err error
		)
		if videoExt[strings.ToLower(filepath.Ext(path))] {
			ref, err = w.Messenger.SendVideo(ctx, m.Token, m.ChatID, path, caption(m.Text))
		} else {
			ref, err = w.Messenger.SendPhoto(ctx, m.Token, m.ChatID, path, caption(fmt.Sprintf("(%d/%d) %s", i+1, n, m.Text)))
		}
		if err != nil {
			return err
		}
		m.Media[i] = ""
		log.Info("media sent", logx.String("file", filepath.Base(path)), logx.Int("part", i+1), logx.Int("of", n))
		w.record(ctx, m, ref, log)
	}
	return nil
}

func (w *Worker) delay(ctx context.Context, m *DeliveryMessage) error {
	if w.Flood == nil {
		return nil
	}
	return w.Flood.Delay(ctx, m.Token, m.ChatID, flood.DelayOptions{IsGroup: m.IsGroup})
}

// record is best-effort; a storage failure only costs the auto-delete.
func (w *Worker) record(ctx context.Context, m *DeliveryMessage, ref transport.MessageRef, log logx.Logger) {
	if m.ExpiryTTL <= 0 || w.Store == nil {
		return
	}
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := w.Store.AddSentItem(sctx, storage.SentItem{
		Token:     m.Token,
		ChatID:    ref.ChatID,
		MessageID: ref.MessageID,
		ExpiresAt: now().Add(m.ExpiryTTL),
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		log.Error("failed to record sent item", logx.Int("msg_id", ref.MessageID), logx.Err(err))
	}
}

func (w *Worker) resolve(name string) string {
	if w.MediaDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.MediaDir, name)
}

func (w *Worker) log() logx.Logger {
	if w.Log.IsZero() {
		return logx.Nop()
	}
	return w.Log
}

func caption(s string) string {
	if utf8.RuneCountInString(s) <= maxCaption {
		return s
	}
	r := []rune(s)
	return string(r[:maxCaption-1]) + "…"
}
