package waf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the edge.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DecisionsTotal   *prometheus.CounterVec
	EventDropsTotal  prometheus.CounterFunc
	AuditDropsTotal  prometheus.CounterFunc
	InFlightRequests prometheus.Gauge
}

// NewMetrics creates and registers all edge metrics with the registry.
// The drop counters sample the async emitters' atomic counts.
func NewMetrics(reg prometheus.Registerer, eventDrops, auditDrops func() float64) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostwaf",
				Name:      "requests_total",
				Help:      "Total edge requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hostwaf",
				Name:      "request_duration_seconds",
				Help:      "Edge request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hostwaf",
				Name:      "decisions_total",
				Help:      "Terminal pipeline decisions",
			},
			[]string{"action"},
		),
		EventDropsTotal: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "hostwaf",
				Name:      "event_drops_total",
				Help:      "Decision events dropped under buffer pressure",
			},
			eventDrops,
		),
		AuditDropsTotal: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "hostwaf",
				Name:      "audit_drops_total",
				Help:      "Audit records dropped under buffer pressure",
			},
			auditDrops,
		),
		InFlightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hostwaf",
				Name:      "in_flight_requests",
				Help:      "Edge requests currently being processed",
			},
		),
	}
}
