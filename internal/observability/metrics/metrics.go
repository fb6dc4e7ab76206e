package metrics

import "github.com/prometheus/client_golang/prometheus"

// SweepMetrics exposes counters/histograms for the scheduled sweep jobs.
type SweepMetrics struct {
	runsTotal  *prometheus.CounterVec
	itemsTotal *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewSweepMetrics(reg prometheus.Registerer) *SweepMetrics {
	m := &SweepMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total sweep passes",
		}, []string{"sweep", "status"}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "sweep",
			Name:      "items_total",
			Help:      "Per-item sweep outcomes",
		}, []string{"sweep", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "escrow",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Duration of one sweep pass",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.runsTotal, m.itemsTotal, m.duration)
	return m
}

func (m *SweepMetrics) ObserveRun(sweep, status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(sweep, status).Inc()
	m.duration.WithLabelValues(sweep).Observe(seconds)
}

func (m *SweepMetrics) ObserveItem(sweep, outcome string) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(sweep, outcome).Inc()
}

// WebhookMetrics counts inbound payment-provider events.
type WebhookMetrics struct {
	eventsTotal *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	m := &WebhookMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "escrow",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total inbound payment webhooks",
		}, []string{"event_type", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal)
	return m
}

func (m *WebhookMetrics) ObserveEvent(eventType, status string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, status).Inc()
}
