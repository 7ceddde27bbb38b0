package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatrelay/internal/domain"
)

func TestCollector_Render(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "B things", `kind="x"`).Add(3)
	c.Counter("a_total", "A things", "").Inc()
	c.Gauge("g", "G", "").Set(-2)
	h := c.Histogram("lat_seconds", "Latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(5)

	out := c.Render()
	assert.Contains(t, out, "a_total 1\n")
	assert.Contains(t, out, "b_total{kind=\"x\"} 3\n")
	assert.Contains(t, out, "g -2\n")
	assert.Contains(t, out, "lat_seconds_bucket{le=\"0.5\"} 1\n")
	assert.Contains(t, out, "lat_seconds_bucket{le=\"1\"} 2\n")
	assert.Contains(t, out, "lat_seconds_bucket{le=\"+Inf\"} 3\n")
	assert.Contains(t, out, "lat_seconds_count 3\n")
	assert.Less(t, strings.Index(out, "a_total"), strings.Index(out, "b_total"))
	assert.Equal(t, out, c.Render())
}

func TestCollector_SameSeriesReturned(t *testing.T) {
	c := NewMetricsCollector()
	assert.Same(t, c.Counter("x", "", ""), c.Counter("x", "", ""))
	assert.NotSame(t, c.Counter("x", "", `a="1"`), c.Counter("x", "", ""))
}

func TestHandler(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("hits_total", "Hits", "").Inc()

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "hits_total 1")
	assert.Contains(t, rec.Body.String(), "chatrelay_uptime_seconds")
}

type dropped struct{}

func (dropped) Error() string { return "dropped" }
func (dropped) Dropped() bool { return true }

func TestRelay_Observers(t *testing.T) {
	c := NewMetricsCollector()
	r := NewRelay(c)

	r.EventReceived(domain.IntentDirectText)
	r.EventReceived(domain.IntentDirectText)
	r.BackendCalled(300*time.Millisecond, nil)
	r.BackendCalled(time.Second, &domain.BackendError{Kind: domain.BackendStatus, StatusCode: 502})
	r.MessageSent("answer", nil)
	r.MessageSent("answer", errors.New("socket closed"))
	r.LogWritten(nil)
	r.LogWritten(dropped{})
	r.LogWritten(errors.New("disk"))
	r.StateChanged(domain.StateOpen)
	r.Reconnecting(domain.ReasonLoggedOut, true)
	r.GroupsFetched(make([]domain.Group, 4))
	r.DocumentSaved(nil)

	out := c.Render()
	for _, want := range []string{
		`chatrelay_events_total{intent="direct_text"} 2`,
		`chatrelay_backend_requests_total 2`,
		`chatrelay_backend_failures_total{kind="status"} 1`,
		`chatrelay_messages_sent_total{kind="answer",result="ok"} 1`,
		`chatrelay_messages_sent_total{kind="answer",result="error"} 1`,
		`chatrelay_log_writes_total 1`,
		`chatrelay_log_dropped_total 1`,
		`chatrelay_log_write_failures_total 1`,
		`chatrelay_connection_state 2`,
		`chatrelay_reconnects_total{reason="logged_out",wipe="true"} 1`,
		`chatrelay_groups 4`,
		`chatrelay_documents_saved_total 1`,
		`chatrelay_backend_latency_seconds_count 2`,
	} {
		assert.Contains(t, out, want)
	}
}
