package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

type fixedState domain.ConnectionState

func (f fixedState) State() domain.ConnectionState { return domain.ConnectionState(f) }

func TestHealthz(t *testing.T) {
	tests := []struct {
		state domain.ConnectionState
		code  int
		body  string
	}{
		{domain.StateOpen, http.StatusOK, `{"state":"open"}`},
		{domain.StateConnecting, http.StatusServiceUnavailable, `{"state":"connecting"}`},
		{domain.StateClosed, http.StatusServiceUnavailable, `{"state":"closed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := New(Config{State: fixedState(tt.state), Logger: zerolog.Nop()})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := metrics.NewMetricsCollector()
	c.Counter("chatrelay_events_total", "Inbound events.", "").Inc()
	s := New(Config{State: fixedState(domain.StateOpen), Metrics: c, Logger: zerolog.Nop()})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatrelay_events_total 1")
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 0, State: fixedState(domain.StateOpen), Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_ServesRequests(t *testing.T) {
	srv := httptest.NewServer(New(Config{State: fixedState(domain.StateOpen), Logger: zerolog.Nop()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"state":"open"}`, string(body))
}
