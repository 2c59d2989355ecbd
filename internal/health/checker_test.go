package health

import (
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/metrics"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/router"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

const (
	testInterval          = 30 * time.Second
	testFailureThreshold  = 3
	testConnectionTimeout = 5 * time.Second
)

func newChecker(r *router.Router, m *metrics.Collector) *Checker {
	return NewChecker(r, m, testInterval, testFailureThreshold, testConnectionTimeout)
}

func intPtr(v int) *int { return &v }

func newTestRouter() *router.Router {
	return router.New(&config.Config{
		Pool: config.PoolDefaults{
			MinConnections: intPtr(0),
			MaxConnections: intPtr(2),
		},
		Targets: map[string]config.TargetConfig{
			"healthy_target": {
				Host:     "localhost",
				Port:     5432,
				DBName:   "db",
				Username: "user",
			},
		},
	})
}

func TestCheckerInitialState(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	// Unknown target should be treated as healthy
	if !c.IsHealthy("unknown") {
		t.Error("unknown target should be treated as healthy")
	}

	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}

	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	// Single failure shouldn't make it unhealthy (threshold is 3)
	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}

	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}

	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}

	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy target")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)

	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy target")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	c.updateStatus("t1", true)
	c.updateStatus("t2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := newChecker(newTestRouter(), nil)
	c.Start()

	// Should not panic
	c.Stop()
	c.Stop()
}

func TestCheckAllIsParallel(t *testing.T) {
	r := router.New(&config.Config{
		Pool: config.PoolDefaults{MinConnections: intPtr(0), MaxConnections: intPtr(2)},
		Targets: map[string]config.TargetConfig{
			"t1": {Host: "localhost", Port: 59991, DBName: "db", Username: "u"},
			"t2": {Host: "localhost", Port: 59992, DBName: "db", Username: "u"},
			"t3": {Host: "localhost", Port: 59993, DBName: "db", Username: "u"},
		},
	})
	c := newChecker(r, nil)

	// checkAll should not panic and should update all target statuses
	// (will fail health checks since ports don't exist, but that's fine)
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 3 {
		t.Errorf("expected 3 statuses after checkAll, got %d", len(statuses))
	}
}

func TestPingTargetProtocolCheck(t *testing.T) {
	r := router.New(&config.Config{
		Pool: config.PoolDefaults{MinConnections: intPtr(0), MaxConnections: intPtr(2)},
		Targets: map[string]config.TargetConfig{
			"pg": {Host: "localhost", Port: 59999, DBName: "db", Username: "u"},
		},
	})
	c := newChecker(r, nil)

	tc, _ := r.Resolve("pg")
	if c.pingTarget("pg", tc) {
		t.Error("expected ping to fail on closed port")
	}
}

func TestRemoveTarget(t *testing.T) {
	c := newChecker(newTestRouter(), nil)

	c.updateStatus("target_a", true)
	c.updateStatus("target_b", true)

	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveTarget("target_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["target_a"]; exists {
		t.Error("target_a should have been removed")
	}
	if _, exists := statuses["target_b"]; !exists {
		t.Error("target_b should still exist")
	}

	// Remove nonexistent target should not panic
	c.RemoveTarget("nonexistent")
}

func TestHealthCheckViaPoolSuccess(t *testing.T) {
	// Spin up a minimal mock PG server that handles SELECT 1.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(3 * time.Second))

		msg, err := wire.ReadFull(conn, false)
		if err != nil || msg.Tag != wire.TagQuery {
			return
		}
		conn.Write(wire.WriteTagged(nil, 'D', []byte{0, 1, 0, 0, 0, 1, '1'}))
		conn.Write(wire.WriteTagged(nil, 'C', append([]byte("SELECT 1"), 0)))
		conn.Write(wire.WriteTagged(nil, wire.TagReadyForQuery, []byte{'I'}))
	}()

	tc := config.TargetConfig{
		Host:     "127.0.0.1",
		DBName:   "db",
		Username: "user",
	}
	defaults := config.PoolDefaults{
		MinConnections: intPtr(0), MaxConnections: intPtr(2),
		IdleTimeout: 5 * time.Minute, MaxLifetime: 30 * time.Minute,
	}

	tp := pool.NewTargetPool("test", tc, defaults, 3*time.Second)
	defer tp.Close()

	backendConn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pc := pool.NewPooledConn(backendConn, "test", tp)
	pc.SetAuthenticated(map[string]string{"server_version": "16.0"}, 1234, 5678)
	tp.InjectTestConn(pc)

	c := newChecker(newTestRouter(), nil)
	if !c.pingViaPool("test", tp) {
		t.Error("expected pingViaPool to return true")
	}
}

func TestHealthCheckViaPoolExhausted(t *testing.T) {
	tc := config.TargetConfig{
		Host: "localhost", Port: 15432,
		DBName: "db", Username: "user",
	}
	defaults := config.PoolDefaults{
		MinConnections: intPtr(0), MaxConnections: intPtr(1),
		IdleTimeout: 5 * time.Minute, MaxLifetime: 30 * time.Minute,
	}
	tp := pool.NewTargetPool("test", tc, defaults, 100*time.Millisecond)
	defer tp.Close()
	// No connections injected — pool is empty, acquire will time out

	c := NewChecker(newTestRouter(), nil, testInterval, testFailureThreshold, 100*time.Millisecond)

	if c.pingViaPool("test", tp) {
		t.Error("expected pingViaPool to return false when pool is exhausted")
	}
}

func TestHealthCheckTimingMetric(t *testing.T) {
	m := metrics.New()

	elapsed := 5 * time.Millisecond
	m.HealthCheckCompleted("t1", elapsed, true)

	if m == nil {
		t.Error("expected metrics collector to be non-nil")
	}
}

func TestHealthCheckErrorMetric(t *testing.T) {
	m := metrics.New()

	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "pool_exhausted")

	_ = m
}
