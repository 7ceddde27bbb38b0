package metrics

import (
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/domain"
)

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// Relay is the relay's metric set. It satisfies the observer interfaces of
// the connection supervisor, the dispatcher and the async log writer.
type Relay struct {
	c *MetricsCollector

	backendLatency *Histogram
	reportLatency  *Histogram
	connState      *Gauge
	groups         *Gauge
	logWrites      *Counter
	logFailures    *Counter
	logDropped     *Counter
	documents      *Counter
	docFailures    *Counter
}

func NewRelay(c *MetricsCollector) *Relay {
	return &Relay{
		c:              c,
		backendLatency: c.Histogram("chatrelay_backend_latency_seconds", "Q&A backend latency in seconds", "", latencyBuckets),
		reportLatency:  c.Histogram("chatrelay_report_latency_seconds", "Report generation latency in seconds", "", latencyBuckets),
		connState:      c.Gauge("chatrelay_connection_state", "Connection state (0 idle, 1 connecting, 2 open, 3 closed)", ""),
		groups:         c.Gauge("chatrelay_groups", "Groups the bot participates in", ""),
		logWrites:      c.Counter("chatrelay_log_writes_total", "Conversation log records written", ""),
		logFailures:    c.Counter("chatrelay_log_write_failures_total", "Conversation log writes that failed", ""),
		logDropped:     c.Counter("chatrelay_log_dropped_total", "Conversation log records dropped on a full buffer", ""),
		documents:      c.Counter("chatrelay_documents_saved_total", "Documents saved to the download directory", ""),
		docFailures:    c.Counter("chatrelay_document_failures_total", "Documents that could not be saved", ""),
	}
}

func (r *Relay) Collector() *MetricsCollector { return r.c }

// EventReceived counts an inbound event by the intent it was classified as.
func (r *Relay) EventReceived(kind domain.IntentKind) {
	r.c.Counter("chatrelay_events_total", "Inbound events by intent", label("intent", kind.String())).Inc()
}

// BackendCalled records one Ask call.
func (r *Relay) BackendCalled(elapsed time.Duration, err error) {
	r.backendLatency.Observe(elapsed.Seconds())
	r.c.Counter("chatrelay_backend_requests_total", "Q&A backend requests", "").Inc()
	if err != nil {
		kind := "unknown"
		var be *domain.BackendError
		if errors.As(err, &be) {
			kind = string(be.Kind)
		}
		r.c.Counter("chatrelay_backend_failures_total", "Q&A backend failures by kind", label("kind", kind)).Inc()
	}
}

func (r *Relay) ReportFetched(elapsed time.Duration, err error) {
	r.reportLatency.Observe(elapsed.Seconds())
	if err != nil {
		r.c.Counter("chatrelay_report_failures_total", "Report requests that failed", "").Inc()
	}
}

// MessageSent counts outbound sends by what was sent.
func (r *Relay) MessageSent(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.c.Counter("chatrelay_messages_sent_total", "Outbound messages by kind and result",
		label("kind", kind)+","+label("result", result)).Inc()
}

func (r *Relay) DocumentSaved(err error) {
	if err != nil {
		r.docFailures.Inc()
		return
	}
	r.documents.Inc()
}

// LogWritten implements convlog.WriteObserver.
func (r *Relay) LogWritten(err error) {
	switch {
	case err == nil:
		r.logWrites.Inc()
	case isDropped(err):
		r.logDropped.Inc()
	default:
		r.logFailures.Inc()
	}
}

// StateChanged implements connection.Observer.
func (r *Relay) StateChanged(state domain.ConnectionState) {
	r.connState.Set(int64(state))
}

// Reconnecting implements connection.Observer.
func (r *Relay) Reconnecting(reason domain.DisconnectReason, wipe bool) {
	r.c.Counter("chatrelay_reconnects_total", "Session reinitializations by close reason",
		label("reason", reason.String())+","+label("wipe", fmt.Sprint(wipe))).Inc()
}

// GroupsFetched implements connection.Observer.
func (r *Relay) GroupsFetched(groups []domain.Group) {
	r.groups.Set(int64(len(groups)))
}

// droppedError is implemented by errors that mean "record discarded".
type droppedError interface{ Dropped() bool }

func isDropped(err error) bool {
	var d droppedError
	return errors.As(err, &d) && d.Dropped()
}

func label(k, v string) string {
	return fmt.Sprintf("%s=%q", k, v)
}
