// Package metrics exposes the proxy's Prometheus instrumentation: pool
// occupancy, health-check outcomes, transaction/session timing, and
// plugin-dispatch/replication counters new to this spec.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	sessionDuration    *prometheus.HistogramVec
	targetHealth       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	// Transaction-mode metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec

	// Plugin dispatch and replication metrics, new to this spec.
	pluginDispatchTotal *prometheus.CounterVec
	pendingSyncDepth    *prometheus.HistogramVec
	replicationLag      *prometheus.GaugeVec
	errorsTotal         *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_connections_active",
				Help: "Number of active backend connections per target",
			},
			[]string{"target"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_connections_idle",
				Help: "Number of idle backend connections per target",
			},
			[]string{"target"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_connections_total",
				Help: "Total number of backend connections per target",
			},
			[]string{"target"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_connections_waiting",
				Help: "Number of goroutines waiting for a connection per target",
			},
			[]string{"target"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgproxy_session_duration_seconds",
				Help:    "Duration of proxied client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"target"},
		),
		targetHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_target_health",
				Help: "Health status of a backend target (1=healthy, 0=unhealthy)",
			},
			[]string{"target"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_pool_exhausted_total",
				Help: "Total number of times a pool was exhausted per target",
			},
			[]string{"target"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgproxy_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"target", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"target", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"target"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgproxy_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"target"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgproxy_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"target"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_session_pins_total",
				Help: "Session pin events in transaction-mode pooling",
			},
			[]string{"target", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_backend_resets_total",
				Help: "Backend reset-query (DISCARD ALL) results",
			},
			[]string{"target", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring ROLLBACK",
			},
			[]string{"target"},
		),

		pluginDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_plugin_dispatch_total",
				Help: "Plugin hook invocations by hook, plugin, and resulting decision",
			},
			[]string{"hook", "plugin", "decision"},
		),
		pendingSyncDepth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgproxy_pending_syncs",
				Help:    "Outstanding Sync messages awaiting ReadyForQuery at checkin",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			},
			[]string{"target"},
		),
		replicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgproxy_replication_lag_bytes",
				Help: "Approximate replication lag (write LSN minus last flushed LSN) per target",
			},
			[]string{"target"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgproxy_errors_total",
				Help: "Errors observed by the proxy, classified by kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.sessionDuration,
		c.targetHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
		c.pluginDispatchTotal,
		c.pendingSyncDepth,
		c.replicationLag,
		c.errorsTotal,
	)

	return c
}

// SessionDuration observes a proxied client session's duration.
func (c *Collector) SessionDuration(target string, d time.Duration) {
	c.sessionDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SetTargetHealth sets the health gauge for a target.
func (c *Collector) SetTargetHealth(target string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.targetHealth.WithLabelValues(target).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(target string) {
	c.poolExhausted.WithLabelValues(target).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(target string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(target).Set(float64(active))
	c.connectionsIdle.WithLabelValues(target).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(target).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(target).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(target string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(target, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(target, errorType string) {
	c.healthCheckErrors.WithLabelValues(target, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(target string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(target).Inc()
	c.transactionDuration.WithLabelValues(target).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(target string, d time.Duration) {
	c.acquireDuration.WithLabelValues(target).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(target, reason string) {
	c.sessionPinsTotal.WithLabelValues(target, reason).Inc()
}

// BackendReset records a reset-query result (success or failure).
func (c *Collector) BackendReset(target string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(target, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(target string) {
	c.dirtyDisconnects.WithLabelValues(target).Inc()
}

// PluginDispatched records one plugin hook invocation and its decision
// (forward/replace/drop/respond/fail).
func (c *Collector) PluginDispatched(hook, plugin, decision string) {
	c.pluginDispatchTotal.WithLabelValues(hook, plugin, decision).Inc()
}

// PendingSyncsAtCheckin observes how many Syncs were still outstanding
// when a backend connection was returned to the pool.
func (c *Collector) PendingSyncsAtCheckin(target string, n int) {
	c.pendingSyncDepth.WithLabelValues(target).Observe(float64(n))
}

// SetReplicationLag records the approximate replication lag in bytes
// for a target currently in a replication session.
func (c *Collector) SetReplicationLag(target string, lagBytes int64) {
	c.replicationLag.WithLabelValues(target).Set(float64(lagBytes))
}

// ErrorObserved increments the classified error counter.
func (c *Collector) ErrorObserved(kind string) {
	c.errorsTotal.WithLabelValues(kind).Inc()
}

// RemoveTarget removes all metrics for a target that has been deleted.
func (c *Collector) RemoveTarget(target string) {
	c.connectionsActive.DeleteLabelValues(target)
	c.connectionsIdle.DeleteLabelValues(target)
	c.connectionsTotal.DeleteLabelValues(target)
	c.connectionsWaiting.DeleteLabelValues(target)
	c.targetHealth.DeleteLabelValues(target)
	c.poolExhausted.DeleteLabelValues(target)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"target": target})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"target": target})
	c.transactionsTotal.DeleteLabelValues(target)
	c.transactionDuration.DeleteLabelValues(target)
	c.acquireDuration.DeleteLabelValues(target)
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"target": target})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"target": target})
	c.dirtyDisconnects.DeleteLabelValues(target)
	c.pendingSyncDepth.DeleteLabelValues(target)
	c.replicationLag.DeleteLabelValues(target)
}
