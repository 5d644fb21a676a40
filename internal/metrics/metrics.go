package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the hub collectors. A nil *Metrics is valid and records
// nothing, so components can run without a registry.
type Metrics struct {
	Connections   prometheus.Gauge
	Pushes        prometheus.Counter
	PushFailures  prometheus.Counter
	Created       *prometheus.CounterVec
	Swept         prometheus.Counter
	SweepFailures prometheus.Counter
	EventsFailed  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Active websocket connections",
		}),
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_pushes_total",
			Help: "Envelopes delivered to a channel",
		}),
		PushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_push_failures_total",
			Help: "Channel sends that failed and dropped the channel",
		}),
		Created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications persisted, by category",
		}, []string{"type"}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_swept_total",
			Help: "Expired notifications deleted by the sweeper",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_sweep_failures_total",
			Help: "Sweep cycles that failed",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_events_failed_total",
			Help: "Ingested events that could not be turned into notifications",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Pushes, m.PushFailures, m.Created, m.Swept, m.SweepFailures, m.EventsFailed)
	}
	return m
}

// Handler returns an http.Handler for Prometheus scraping
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) Pushed() {
	if m != nil {
		m.Pushes.Inc()
	}
}

func (m *Metrics) PushFailed() {
	if m != nil {
		m.PushFailures.Inc()
	}
}

func (m *Metrics) NotificationCreated(typ string) {
	if m != nil {
		m.Created.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) SweptRecords(n int64) {
	if m != nil && n > 0 {
		m.Swept.Add(float64(n))
	}
}

func (m *Metrics) SweepFailed() {
	if m != nil {
		m.SweepFailures.Inc()
	}
}

func (m *Metrics) EventFailed() {
	if m != nil {
		m.EventsFailed.Inc()
	}
}
