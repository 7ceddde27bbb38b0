package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		ChatURL:   srv.URL + "/chatbot/",
		ReportURL: srv.URL + "/run_notebook/",
		Timeout:   2 * time.Second,
		Logger:    zerolog.Nop(),
	})
}

func TestAsk_Success(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chatbot/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"data":{"message":"X is Y","index":"42"}}`))
	})

	res, err := client.Ask(context.Background(), "What is X?")
	require.NoError(t, err)
	assert.Equal(t, domain.AnswerResult{Text: "X is Y", ReferenceIndex: "42", OK: true}, res)
	assert.Equal(t, map[string]string{"text": "What is X?"}, gotBody)
}

func TestAsk_NumericIndex(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"message":"ok","index":7}}`))
	})

	res, err := client.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "7", res.ReferenceIndex)
}

func TestAsk_MissingIndex(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"message":"ok","index":null}}`))
	})

	res, err := client.Ask(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, res.ReferenceIndex)
	assert.True(t, res.OK)
}

func TestAsk_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   domain.BackendErrorKind
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`, domain.BackendStatus},
		{"not found", http.StatusNotFound, "not here", domain.BackendStatus},
		{"malformed json", http.StatusOK, `{"data":`, domain.BackendShape},
		{"missing message", http.StatusOK, `{"data":{"index":"1"}}`, domain.BackendShape},
		{"missing data", http.StatusOK, `{"message":"top level"}`, domain.BackendShape},
		{"message is object", http.StatusOK, `{"data":{"message":{"a":1}}}`, domain.BackendShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Ask(context.Background(), "q")
			var be *domain.BackendError
			require.True(t, errors.As(err, &be), "got %v", err)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Equal(t, strings.TrimSpace(tt.body), be.Body)
		})
	}
}

func TestAsk_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(ClientConfig{ChatURL: url, Logger: zerolog.Nop()})
	_, err := client.Ask(context.Background(), "q")

	var be *domain.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, domain.BackendTransport, be.Kind)
	assert.Zero(t, be.StatusCode)
}

func TestAsk_Timeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Ask(ctx, "q")
	var be *domain.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, domain.BackendTransport, be.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsk_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAsk_TruncatesErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 2000)))
	})

	_, err := client.Ask(context.Background(), "q")
	var be *domain.BackendError
	require.True(t, errors.As(err, &be))
	assert.Len(t, be.Body, maxErrorBody+3)
}

func TestFetchReport(t *testing.T) {
	const html = "<html><body>rekon</body></html>"
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/run_notebook/", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	})

	body, err := client.FetchReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, html, string(body))
}

func TestFetchReport_Status(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "notebook crashed", http.StatusInternalServerError)
	})

	_, err := client.FetchReport(context.Background())
	var be *domain.BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, domain.BackendStatus, be.Kind)
	assert.Equal(t, "notebook crashed", be.Body)
}

func TestPing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(ClientConfig{Logger: zerolog.Nop()})
	assert.Equal(t, DefaultChatURL, c.chatURL)
	assert.Equal(t, DefaultReportURL, c.reportURL)
	assert.Equal(t, DefaultTimeout, c.client.Timeout)
}
