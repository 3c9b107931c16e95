// Package metrics provides Prometheus metrics for convsync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MessagesAppendedTotal *prometheus.CounterVec
	ConversationsTotal    *prometheus.CounterVec
	ReadsMarkedTotal      prometheus.Counter
	AccessDeniedTotal     *prometheus.CounterVec
	UnreadDriftTotal      prometheus.Counter

	PresenceBatchSize prometheus.Histogram
	PollTicksTotal    *prometheus.CounterVec
	JobsTotal         *prometheus.CounterVec
}

// New creates all collectors on a private registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convsync_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		MessagesAppendedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_messages_appended_total",
				Help: "Messages appended, by content format and whether the send was a retry",
			},
			[]string{"format", "duplicate"},
		),
		ConversationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_conversations_total",
				Help: "Create-or-get conversation calls by outcome",
			},
			[]string{"result"},
		),
		ReadsMarkedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_reads_marked_total",
				Help: "Conversations marked as read",
			},
		),
		AccessDeniedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_access_denied_total",
				Help: "Operations refused because the user is not a participant",
			},
			[]string{"operation"},
		),
		UnreadDriftTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_unread_drift_corrected_total",
				Help: "Participant unread counters corrected by reconciliation",
			},
		),
		PresenceBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convsync_presence_batch_size",
				Help:    "Number of users per presence lookup",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		PollTicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_poll_ticks_total",
				Help: "Sync poller ticks by result",
			},
			[]string{"result"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_jobs_total",
				Help: "Background jobs processed by type and status",
			},
			[]string{"type", "status"},
		),
	}
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordMessageAppended counts a send.
func (m *Metrics) RecordMessageAppended(format string, duplicate bool) {
	if m == nil {
		return
	}
	m.MessagesAppendedTotal.WithLabelValues(format, strconv.FormatBool(duplicate)).Inc()
}

// RecordConversation counts a create-or-get call; result is "created" or "existing".
func (m *Metrics) RecordConversation(result string) {
	if m == nil {
		return
	}
	m.ConversationsTotal.WithLabelValues(result).Inc()
}

// RecordReadMarked counts a read cursor update.
func (m *Metrics) RecordReadMarked() {
	if m == nil {
		return
	}
	m.ReadsMarkedTotal.Inc()
}

// RecordAccessDenied counts a refused operation.
func (m *Metrics) RecordAccessDenied(operation string) {
	if m == nil {
		return
	}
	m.AccessDeniedTotal.WithLabelValues(operation).Inc()
}

// RecordUnreadDrift adds corrected counters.
func (m *Metrics) RecordUnreadDrift(corrected int64) {
	if m == nil || corrected <= 0 {
		return
	}
	m.UnreadDriftTotal.Add(float64(corrected))
}

// RecordPresenceBatch observes the size of a presence lookup.
func (m *Metrics) RecordPresenceBatch(size int) {
	if m == nil {
		return
	}
	m.PresenceBatchSize.Observe(float64(size))
}

// RecordPollTick counts a poller tick; result is "ok", "skipped" or "error".
func (m *Metrics) RecordPollTick(result string) {
	if m == nil {
		return
	}
	m.PollTicksTotal.WithLabelValues(result).Inc()
}

// RecordJob counts a processed background job.
func (m *Metrics) RecordJob(taskType string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JobsTotal.WithLabelValues(taskType, status).Inc()
}
