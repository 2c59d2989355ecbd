// Package health runs periodic liveness probes against every routed
// backend target and tracks per-target health state for the admin API
// and for request routing decisions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/metrics"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/router"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// Status represents the health status of a target database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// TargetHealth holds health information for one backend target.
type TargetHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on backend targets.
type Checker struct {
	mu      sync.RWMutex
	targets map[string]*TargetHealth
	router  *router.Router
	metrics *metrics.Collector
	poolMgr *pool.Manager

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a new health checker. interval is how often checkAll
// runs, failureThreshold is how many consecutive failures before a target
// is marked unhealthy, and connectionTimeout bounds each individual probe.
func NewChecker(r *router.Router, m *metrics.Collector, interval time.Duration, failureThreshold int, connectionTimeout time.Duration) *Checker {
	return &Checker{
		targets:           make(map[string]*TargetHealth),
		router:            r,
		metrics:           m,
		interval:          interval,
		failureThreshold:  failureThreshold,
		connectionTimeout: connectionTimeout,
		stopCh:            make(chan struct{}),
	}
}

// SetPoolManager wires a pool.Manager into the checker so targets with a
// live pool are health-checked via a real SELECT 1 instead of a raw probe.
func (c *Checker) SetPoolManager(pm *pool.Manager) {
	c.poolMgr = pm
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	targets := c.router.ListTargets()

	const maxWorkers = 10
	sem := semaphore.NewWeighted(maxWorkers)
	ctx := context.Background()
	var wg sync.WaitGroup

	for name, tc := range targets {
		name, tc := name, tc // capture loop vars
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			start := time.Now()
			healthy := c.pingTarget(name, tc)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(name, elapsed, healthy)
			}
			c.updateStatus(name, healthy)
		}()
	}
	wg.Wait()
}

func (c *Checker) pingTarget(target string, tc config.TargetConfig) bool {
	// A target with a live pool gets a SQL-level check over an existing
	// pool connection — this validates the full query path, not just TCP.
	if c.poolMgr != nil {
		if tp, ok := c.poolMgr.Get(target); ok {
			return c.pingViaPool(target, tp)
		}
	}

	addr := net.JoinHostPort(tc.Host, fmt.Sprintf("%d", tc.Port))
	conn, err := net.DialTimeout("tcp", addr, c.connectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(target, "connection_refused")
		}
		c.setLastError(target, err.Error())
		return false
	}
	defer conn.Close()

	return c.pingPostgres(target, conn)
}

// pingViaPool runs SELECT 1 over a pre-authenticated pool connection,
// giving a full end-to-end health signal. Reports unhealthy if the pool
// is exhausted or the acquire times out.
func (c *Checker) pingViaPool(target string, tp *pool.TargetPool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	pc, err := tp.Acquire(ctx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(target, "pool_exhausted")
		}
		c.setLastError(target, "pool exhausted for health check: "+err.Error())
		return false
	}
	defer tp.Return(pc)

	pc.Conn().SetDeadline(time.Now().Add(c.connectionTimeout))

	pc.Wire().SendTagged(wire.TagQuery, append([]byte("SELECT 1"), 0))
	if err := pc.Wire().Flush(); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(target, "write_error")
		}
		c.setLastError(target, "health check write: "+err.Error())
		pc.Close()
		return false
	}

	for {
		msg, err := pc.Wire().Recv()
		if err != nil {
			if c.metrics != nil {
				c.metrics.HealthCheckError(target, "read_error")
			}
			c.setLastError(target, "health check read: "+err.Error())
			pc.Close()
			return false
		}
		switch msg.Tag {
		case wire.TagErrorResponse:
			if c.metrics != nil {
				c.metrics.HealthCheckError(target, "query_error")
			}
			c.setLastError(target, "health check SELECT 1 returned error: "+wire.ParseErrorMessage(msg.Body))
			// Keep the connection — the backend is still functional, it just
			// rejected this particular query.
			return false
		case wire.TagReadyForQuery:
			c.setLastError(target, "")
			return true
		}
	}
}

func (c *Checker) setLastError(target, errMsg string) {
	c.mu.Lock()
	th := c.getOrCreate(target)
	if errMsg != "" {
		th.LastError = errMsg
	}
	c.mu.Unlock()
}

// pingPostgres sends a minimal startup message and checks for any response.
// Any response (auth request, error, etc.) means the server is alive and
// processing protocol messages, which is all a raw probe needs to confirm.
func (c *Checker) pingPostgres(target string, conn net.Conn) bool {
	conn.SetDeadline(time.Now().Add(c.connectionTimeout))

	msg := wire.EncodeStartupMessage(map[string]string{"user": "healthcheck"})
	if _, err := conn.Write(msg); err != nil {
		c.setLastError(target, fmt.Sprintf("pg write startup: %s", err))
		return false
	}

	if _, err := wire.ReadFull(conn, false); err != nil {
		c.setLastError(target, fmt.Sprintf("pg read response: %s", err))
		return false
	}
	return true
}

func (c *Checker) updateStatus(target string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	th := c.getOrCreate(target)
	th.LastCheck = time.Now()

	if healthy {
		if th.ConsecutiveFailures > 0 {
			slog.Info("target recovered", "target", target, "failures", th.ConsecutiveFailures)
		}
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
	} else {
		th.ConsecutiveFailures++
		if th.ConsecutiveFailures >= c.failureThreshold {
			if th.Status != StatusUnhealthy {
				slog.Warn("target marked unhealthy", "target", target, "failures", th.ConsecutiveFailures, "error", th.LastError)
			}
			th.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetTargetHealth(target, th.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(target string) *TargetHealth {
	th, ok := c.targets[target]
	if !ok {
		th = &TargetHealth{Status: StatusUnknown}
		c.targets[target] = th
	}
	return th
}

// IsHealthy returns whether a target is healthy (or unknown, which is
// treated as healthy since it hasn't failed any check yet).
func (c *Checker) IsHealthy(target string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	th, ok := c.targets[target]
	if !ok {
		return true
	}
	return th.Status != StatusUnhealthy
}

// GetStatus returns the health status for a target.
func (c *Checker) GetStatus(target string) TargetHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	th, ok := c.targets[target]
	if !ok {
		return TargetHealth{Status: StatusUnknown}
	}
	return *th
}

// GetAllStatuses returns health statuses for all known targets.
func (c *Checker) GetAllStatuses() map[string]TargetHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]TargetHealth, len(c.targets))
	for name, th := range c.targets {
		result[name] = *th
	}
	return result
}

// OverallHealthy returns true if all targets are healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, th := range c.targets {
		if th.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveTarget removes health state for a target that has been deleted.
func (c *Checker) RemoveTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.targets, target)
	if c.metrics != nil {
		c.metrics.RemoveTarget(target)
	}
	slog.Info("removed health state", "target", target)
}
