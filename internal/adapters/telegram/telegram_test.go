package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onpatrol/internal/transport"
	logx "onpatrol/pkg/logx"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIURL: srv.URL, Timeout: 5 * time.Second}, logx.Nop())
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestSendTextReturnsMessageRef(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			reply(w, http.StatusNotFound, `{"ok":false,"error_code":404,"description":"Not Found"}`)
			return
		}
		reply(w, http.StatusOK, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":-100123,"type":"supergroup"},"text":"hi"}}`)
	})

	ref, err := a.SendText(context.Background(), "123:abc", "-100123", "hi")
	require.NoError(t, err)
	assert.Equal(t, 42, ref.MessageID)
	assert.Equal(t, "-100123", ref.ChatID)
}

func TestGetMe(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"cam","username":"cam_bot"}}`)
	})
	me, err := a.GetMe(context.Background(), "123:abc")
	require.NoError(t, err)
	assert.Equal(t, "cam_bot", me.Username)
	assert.EqualValues(t, 7, me.ID)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		kind      transport.Kind
		retryHint time.Duration
	}{
		{
			name:      "flood",
			status:    http.StatusTooManyRequests,
			body:      `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
			kind:      transport.KindRateLimited,
			retryHint: 7 * time.Second,
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			kind:   transport.KindUnauthorized,
		},
		{
			name:   "chat not found",
			status: http.StatusBadRequest,
			body:   `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			kind:   transport.KindChatNotFound,
		},
		{
			name:   "gateway timeout",
			status: http.StatusGatewayTimeout,
			body:   `{"ok":false,"error_code":504,"description":"Gateway Timeout"}`,
			kind:   transport.KindUnavailable,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, tt.status, tt.body)
			})
			_, err := a.SendText(context.Background(), "123:abc", "1", "hi")
			require.Error(t, err)
			kind, ok := transport.KindOf(err)
			require.True(t, ok, err.Error())
			assert.Equal(t, tt.kind, kind, err.Error())
			assert.Equal(t, tt.retryHint, transport.RetryAfterOf(err))
		})
	}
}

func TestNetworkErrorIsClassified(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := New(Config{APIURL: url, Timeout: time.Second}, logx.Nop())
	_, err := a.SendText(context.Background(), "123:abc", "1", "hi")
	require.Error(t, err)
	kind, _ := transport.KindOf(err)
	assert.Equal(t, transport.KindNetwork, kind, err.Error())
}

func TestCallHonoursContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		reply(w, http.StatusOK, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.SendText(ctx, "123:abc", "1", "hi")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEmptyTokenIsUnauthorized(t *testing.T) {
	t.Parallel()
	a := New(Config{}, logx.Nop())
	_, err := a.GetMe(context.Background(), " ")
	kind, ok := transport.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, transport.KindUnauthorized, kind)
}
