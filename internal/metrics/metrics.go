package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for StorePulse
type Metrics struct {
	// API metrics
	APIRequestsTotal     *prometheus.CounterVec
	APIRequestDuration   *prometheus.HistogramVec
	APIErrorsTotal       *prometheus.CounterVec
	APIActiveConnections prometheus.Gauge

	// Notifier metrics
	NotifierConnectionsActive   *prometheus.GaugeVec
	NotifierConnectionsPending  prometheus.Gauge
	NotifierConnectionsRejected *prometheus.CounterVec
	NotifierEventsPublished     *prometheus.CounterVec
	NotifierDeliveries          *prometheus.CounterVec
	NotifierFanoutSize          prometheus.Histogram
	NotifierPublishDuration     prometheus.Histogram
	NotifierDisconnects         *prometheus.CounterVec

	// Auth metrics
	AuthFailuresTotal *prometheus.CounterVec
	AuthCacheLookups  *prometheus.CounterVec

	// Journal metrics
	JournalWritesTotal   *prometheus.CounterVec
	JournalWriteDuration prometheus.Histogram
	JournalSize          prometheus.Gauge

	// Cluster metrics
	ClusterRelaysTotal *prometheus.CounterVec
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storepulse_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	m.APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_api_errors_total",
			Help: "Total number of API errors",
		},
		[]string{"method", "path", "error_type"},
	)

	m.APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storepulse_api_active_connections",
			Help: "Number of in-flight API requests",
		},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storepulse_notifier_connections_active",
			Help: "Number of authenticated stream connections",
		},
		[]string{"protocol"}, // websocket, polling
	)

	m.NotifierConnectionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storepulse_notifier_connections_pending",
			Help: "Number of stream connections awaiting their handshake",
		},
	)

	m.NotifierConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_notifier_connections_rejected_total",
			Help: "Total number of stream connections refused before authentication",
		},
		[]string{"reason"}, // capacity, handshake_timeout, invalid_frame
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_notifier_events_published_total",
			Help: "Total number of events accepted for fan-out",
		},
		[]string{"kind"},
	)

	m.NotifierDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_notifier_deliveries_total",
			Help: "Total number of per-connection delivery attempts",
		},
		[]string{"protocol", "result"}, // result: queued, dropped, failed
	)

	m.NotifierFanoutSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storepulse_notifier_fanout_size",
			Help:    "Number of connections an event was queued for",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // from 1 to ~8k
		},
	)

	m.NotifierPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storepulse_notifier_publish_duration_seconds",
			Help:    "Time spent fanning out a single event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15), // from 10us to ~160ms
		},
	)

	m.NotifierDisconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_notifier_disconnects_total",
			Help: "Total number of stream connections removed",
		},
		[]string{"reason"}, // closed, idle, unauthorized, write_error, shutdown
	)

	// Auth metrics
	m.AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_auth_failures_total",
			Help: "Total number of rejected credentials",
		},
		[]string{"reason"},
	)

	m.AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_auth_cache_lookups_total",
			Help: "Total number of validated-token cache lookups",
		},
		[]string{"result"}, // hit, miss, expired
	)

	// Journal metrics
	m.JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_journal_writes_total",
			Help: "Total number of event journal writes",
		},
		[]string{"success"},
	)

	m.JournalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storepulse_journal_write_duration_seconds",
			Help:    "Duration of event journal writes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // from 0.1ms to ~200ms
		},
	)

	m.JournalSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storepulse_journal_size_bytes",
			Help: "Size of the event journal on disk in bytes",
		},
	)

	// Cluster metrics
	m.ClusterRelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storepulse_cluster_relays_total",
			Help: "Total number of events relayed between nodes",
		},
		[]string{"direction", "success"}, // direction: out, in
	)

	return m
}
