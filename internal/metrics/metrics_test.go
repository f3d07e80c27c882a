package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Flush("threshold", nil, 0.01)
	m.Flush("idle", errors.New("down"), 0.02)
	m.Rejected("forbidden")
	m.Broadcast("content-changed", 3)
	m.Request("/api/documents", 404)
	m.LeaseLost()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushesTotal.WithLabelValues("threshold", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushesTotal.WithLabelValues("idle", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedTotal.WithLabelValues("forbidden")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BroadcastsTotal.WithLabelValues("content-changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/api/documents", "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeasesLost))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.Flush("idle", nil, 0)
		m.Rejected("internal")
		m.ObserverFailed("search")
		m.LeaseLost()
	})
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
