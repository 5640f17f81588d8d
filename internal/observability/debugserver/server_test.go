package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "onpatrol/pkg/logx"
)

func TestHealthReportsStatus(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, func() Status {
		return Status{Running: true, RetriesPending: 2, Targets: []TargetStatus{{Name: "family", Active: true, Bot: "porchbot"}}}
	}, logx.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 2, got.RetriesPending)
	require.Len(t, got.Targets, 1)
	assert.Equal(t, "porchbot", got.Targets[0].Bot)
	assert.False(t, got.Time.IsZero())
}

func TestHealthUnavailableWhenStopped(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, func() Status { return Status{} }, logx.Nop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret"}, func() Status { return Status{Running: true} }, logx.Nop()).Handler()

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", "", http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"pprof guarded", "/debug/pprof/", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCustomPrefixServesIndex(t *testing.T) {
	t.Parallel()
	h := New(Config{Prefix: "ops"}, nil, logx.Nop()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ops/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "goroutine")
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	srv := New(Config{Addr: "0.0.0.0:0"}, nil, logx.Nop())
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrInsecureBind)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	srv := New(Config{Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("10.0.0.2:6060"))
}
