package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "probectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "probectl",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "API requests dispatched, by transport, kind and response status.",
		},
		[]string{"transport", "kind", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "probectl",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "API request dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "kind"},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "probectl",
			Subsystem: "rpc",
			Name:      "connections_active",
			Help:      "Currently connected socket clients.",
		},
		[]string{"transport"},
	)
	waitPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "probectl",
			Subsystem: "rpc",
			Name:      "wait_pending",
			Help:      "Blocking requests queued or running in the wait pool.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, rpcRequests, rpcDuration, activeConnections, waitPending)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRequest counts one dispatched API request. kind is "-" when the
// envelope never parsed or named no registered plugin, so the label set
// stays bounded by the registry.
func RecordRequest(transport, kind, status string, duration time.Duration) {
	RegisterMetrics()
	if kind == "" {
		kind = "-"
	}
	rpcRequests.WithLabelValues(transport, kind, status).Inc()
	rpcDuration.WithLabelValues(transport, kind).Observe(duration.Seconds())
}

func ConnectionOpened(transport string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(transport).Inc()
}

func ConnectionClosed(transport string) {
	RegisterMetrics()
	activeConnections.WithLabelValues(transport).Dec()
}

func WaitQueued() {
	RegisterMetrics()
	waitPending.Inc()
}

func WaitFinished() {
	RegisterMetrics()
	waitPending.Dec()
}
