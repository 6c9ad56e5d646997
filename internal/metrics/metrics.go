package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "migranthub_sync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	pendingOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_operations",
		Help:      "Operations waiting to be synced (pending, in-flight, failed).",
	})

	deadOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dead_operations",
		Help:      "Operations that need user action.",
	})

	syncing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "syncing",
		Help:      "1 while a drain is in progress.",
	})

	online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 while the network monitor reports online.",
	})

	drains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Completed drains by trigger.",
		},
		[]string{"trigger"},
	)

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Replay outcomes by entity type and outcome.",
		},
		[]string{"entity_type", "outcome"},
	)

	remoteLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Remote service call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, pendingOperations, deadOperations, syncing, online, drains, operations, remoteLatency)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// SetQueue publishes the queue badge counters.
func SetQueue(pending, dead int) {
	pendingOperations.Set(float64(pending))
	deadOperations.Set(float64(dead))
}

func SetSyncing(active bool) {
	syncing.Set(boolFloat(active))
}

func SetOnline(up bool) {
	online.Set(boolFloat(up))
}

func IncDrain(trigger string) {
	drains.WithLabelValues(trigger).Inc()
}

// IncOperation counts a replay outcome: succeeded, merged, retried, dead, conflict.
func IncOperation(entityType, outcome string) {
	operations.WithLabelValues(entityType, outcome).Inc()
}

// ObserveRemote records the latency of a remote call.
func ObserveRemote(method, result string, started time.Time) {
	remoteLatency.WithLabelValues(method, result).Observe(time.Since(started).Seconds())
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
