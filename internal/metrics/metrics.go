// Package metrics declares the Prometheus collectors exported by the daemon.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "gophsso"

	keysSubsystem    = "keys"
	storageSubsystem = "storage"
	cacheSubsystem   = "cache"
	httpSubsystem    = "http"
	accessSubsystem  = "access"
)

var (
	// KeyAuthorizationDecisions counts key authorizer decisions by outcome.
	KeyAuthorizationDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: keysSubsystem,
			Name:      "authorization_decisions_total",
			Help:      "Total number of key authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	// KeysTracked discloses the size of the inserted and authorized key sets.
	KeysTracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: keysSubsystem,
			Name:      "tracked",
			Help:      "Number of keys currently tracked by the key handler.",
		},
		[]string{"set"},
	)

	// StorageOpened is 1 while the credentials system is open.
	StorageOpened = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "opened",
			Help:      "Whether the credentials system is currently open.",
		},
	)

	// StorageErrors counts failed credentials access manager operations.
	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: storageSubsystem,
			Name:      "errors_total",
			Help:      "Total number of failed credentials system operations by error code.",
		},
		[]string{"code"},
	)

	// CacheEntries discloses the number of cached (identity, method) entries.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "entries",
			Help:      "Number of identity data entries currently cached.",
		},
	)

	// CacheHits counts data cache lookups by result.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "lookups_total",
			Help:      "Total number of data cache lookups by result.",
		},
		[]string{"result"},
	)

	// AccessDenials counts requests refused by access control.
	AccessDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: accessSubsystem,
			Name:      "denials_total",
			Help:      "Total number of identity operations denied by access control.",
		},
		[]string{"operation"},
	)

	// HTTPRequests counts handled control surface requests.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: httpSubsystem,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	// HTTPRequestDuration observes request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: httpSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// Register registers every collector with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(KeyAuthorizationDecisions)
	reg.MustRegister(KeysTracked)
	reg.MustRegister(StorageOpened)
	reg.MustRegister(StorageErrors)
	reg.MustRegister(CacheEntries)
	reg.MustRegister(CacheHits)
	reg.MustRegister(AccessDenials)
	reg.MustRegister(HTTPRequests)
	reg.MustRegister(HTTPRequestDuration)
}
