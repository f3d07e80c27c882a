// Package metrics provides Prometheus metrics for the collaboration server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	ActiveDocuments  prometheus.Gauge
	EditsTotal       prometheus.Counter
	BroadcastsTotal  *prometheus.CounterVec
	FlushesTotal     *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	RejectedTotal    *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	ObserverFailures *prometheus.CounterVec
	LeasesLost       prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_sessions",
			Help: "Real-time connections currently open",
		}),
		ActiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_documents",
			Help: "Documents with a live in-memory hub entry",
		}),
		EditsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_edits_total",
			Help: "Content and title edits accepted by the hub",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_broadcasts_total",
			Help: "Events fanned out to subscribers",
		}, []string{"event"}),
		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_flushes_total",
			Help: "Version flushes by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_flush_duration_seconds",
			Help:    "Duration of version flushes",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_rejected_operations_total",
			Help: "Operations rejected back to the sender, by error code",
		}, []string{"code"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"route", "status"}),
		ObserverFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_flush_observer_failures_total",
			Help: "Best-effort flush observers that returned an error",
		}, []string{"observer"}),
		LeasesLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "collab_document_leases_lost_total",
			Help: "Documents evicted because another instance took their lease",
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) DocumentLoaded() {
	if m != nil {
		m.ActiveDocuments.Inc()
	}
}

func (m *Metrics) DocumentEvicted() {
	if m != nil {
		m.ActiveDocuments.Dec()
	}
}

func (m *Metrics) Edit() {
	if m != nil {
		m.EditsTotal.Inc()
	}
}

func (m *Metrics) Broadcast(event string, recipients int) {
	if m != nil {
		m.BroadcastsTotal.WithLabelValues(event).Add(float64(recipients))
	}
}

func (m *Metrics) Flush(trigger string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FlushesTotal.WithLabelValues(trigger, outcome).Inc()
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) Rejected(code string) {
	if m != nil {
		m.RejectedTotal.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Request(route string, status int) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	}
}

func (m *Metrics) ObserverFailed(name string) {
	if m != nil {
		m.ObserverFailures.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) LeaseLost() {
	if m != nil {
		m.LeasesLost.Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
