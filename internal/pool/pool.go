// Package pool manages per-target connection pools to backend
// PostgreSQL servers: dialing, startup/authentication, idle/active
// bookkeeping, health-aware reaping, and dirty-connection reset on
// checkin.
package pool

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// Stats holds connection pool statistics for a target.
type Stats struct {
	Target    string `json:"target"`
	PoolMode  string `json:"pool_mode"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a goroutine must wait.
type OnPoolExhausted func(target string)

// TargetPool manages connections to a single backend target.
type TargetPool struct {
	mu             sync.Mutex
	cond           *sync.Cond // broadcast when a connection is returned
	target         string
	host           string
	port           int
	dbname         string
	username       string
	password       string
	poolMode       string
	resetQuery     string
	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	connectTimeout time.Duration
	acquireTimeout time.Duration

	idle      []*PooledConn
	active    map[*PooledConn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewTargetPool creates a new connection pool for a backend target.
func NewTargetPool(target string, tc config.TargetConfig, defaults config.PoolDefaults, acquireTimeout time.Duration) *TargetPool {
	eff := tc.Effective(defaults)
	tp := &TargetPool{
		target:         target,
		host:           tc.Host,
		port:           tc.Port,
		dbname:         tc.DBName,
		username:       tc.Username,
		password:       tc.EffectivePassword(),
		poolMode:       eff.Mode,
		resetQuery:     eff.ResetQuery,
		minConns:       intOrZero(eff.MinConnections),
		maxConns:       intOrZero(eff.MaxConnections),
		idleTimeout:    eff.IdleTimeout,
		maxLifetime:    eff.MaxLifetime,
		connectTimeout: eff.ConnectTimeout,
		acquireTimeout: acquireTimeout,
		idle:           make([]*PooledConn, 0),
		active:         make(map[*PooledConn]struct{}),
		stopCh:         make(chan struct{}),
	}
	tp.cond = sync.NewCond(&tp.mu)

	go tp.reapLoop()

	if tp.minConns > 0 {
		go tp.warmUp()
	}

	return tp
}

// warmUp pre-creates minConns idle, authenticated connections so the
// pool is ready for traffic.
func (tp *TargetPool) warmUp() {
	for i := 0; i < tp.minConns; i++ {
		tp.mu.Lock()
		if tp.closed || tp.total >= tp.minConns {
			tp.mu.Unlock()
			return
		}
		tp.total++
		tp.mu.Unlock()

		pc, err := tp.dial(context.Background())
		if err != nil {
			tp.mu.Lock()
			tp.total--
			tp.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "total", tp.minConns, "target", tp.target, "err", err)
			return
		}

		tp.mu.Lock()
		if tp.closed {
			tp.mu.Unlock()
			pc.Close()
			return
		}
		pc.MarkIdle()
		tp.idle = append(tp.idle, pc)
		tp.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", tp.minConns, "target", tp.target)
}

// Acquire gets a connection from the pool, creating one if needed.
// The context is used for cancellation and deadline propagation.
func (tp *TargetPool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadlineAt := time.Now().Add(tp.acquireTimeout)

	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	tp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			tp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if tp.closed {
			tp.mu.Unlock()
			return nil, fmt.Errorf("pool closed for target %s", tp.target)
		}

		for len(tp.idle) > 0 {
			pc := tp.idle[len(tp.idle)-1]
			tp.idle = tp.idle[:len(tp.idle)-1]

			if pc.IsExpired(tp.maxLifetime) {
				pc.Close()
				tp.total--
				continue
			}

			// Skip Ping for authenticated connections — they carry live PG
			// protocol state and Ping's 1-byte read would corrupt it.
			if !pc.IsAuthenticated() {
				if err := pc.Ping(); err != nil {
					pc.Close()
					tp.total--
					continue
				}
			}

			pc.MarkActive()
			tp.active[pc] = struct{}{}
			tp.mu.Unlock()
			return pc, nil
		}

		if tp.total < tp.maxConns {
			tp.total++
			tp.mu.Unlock()

			pc, err := tp.dial(ctx)
			if err != nil {
				tp.mu.Lock()
				tp.total--
				tp.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s:%d for target %s: %w", tp.host, tp.port, tp.target, err)
			}

			pc.MarkActive()
			tp.mu.Lock()
			tp.active[pc] = struct{}{}
			tp.mu.Unlock()
			return pc, nil
		}

		tp.waiting++
		tp.exhausted++
		cb := tp.onPoolExhausted
		tp.mu.Unlock()

		if cb != nil {
			cb(tp.target)
		}

		tp.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			tp.waiting--
			tp.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for target %s: pool exhausted", tp.acquireTimeout, tp.target)
		}

		timer := time.AfterFunc(remaining, func() {
			tp.cond.Broadcast()
		})
		tp.cond.Wait() // releases mu, waits for signal, reacquires mu
		timer.Stop()

		tp.waiting--

		if tp.closed {
			tp.mu.Unlock()
			return nil, fmt.Errorf("pool closing for target %s", tp.target)
		}

		if time.Now().After(deadlineAt) {
			tp.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for target %s: pool exhausted", tp.acquireTimeout, tp.target)
		}

		// Retry from the top of the loop (mu is held)
	}
}

// InjectTestConn adds a pre-built PooledConn directly into the pool's idle list.
// This is only intended for testing — it bypasses dial() and authentication.
func (tp *TargetPool) InjectTestConn(pc *PooledConn) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	pc.MarkIdle()
	tp.idle = append(tp.idle, pc)
	tp.total++
	tp.cond.Signal()
}

// Return releases a connection back to the pool. A connection returned
// inside a transaction block (status 'T' or 'E') is closed. A
// connection the backend session left dirty (a named statement or
// portal, a session-level SET, a LISTEN) is reset with resetQuery
// before it rejoins the idle set; if the reset fails the connection is
// closed instead of risking state leaking into the next session.
func (tp *TargetPool) Return(pc *PooledConn) {
	tp.mu.Lock()
	delete(tp.active, pc)

	if tp.closed || pc.IsExpired(tp.maxLifetime) {
		tp.mu.Unlock()
		pc.Close()
		tp.mu.Lock()
		tp.total--
		tp.cond.Signal()
		tp.mu.Unlock()
		return
	}
	tp.mu.Unlock()

	if s := pc.Session().TxStatus; s == wire.TxInBlock || s == wire.TxInFailed {
		slog.Warn("connection returned inside a transaction, closing", "target", tp.target)
		pc.Close()
		tp.mu.Lock()
		tp.total--
		tp.cond.Signal()
		tp.mu.Unlock()
		return
	}

	if !pc.Session().Clean() {
		if err := tp.resetConn(pc); err != nil {
			slog.Warn("resetting dirty connection failed, closing", "target", tp.target, "err", err)
			pc.Close()
			tp.mu.Lock()
			tp.total--
			tp.cond.Signal()
			tp.mu.Unlock()
			return
		}
	}

	tp.mu.Lock()
	pc.MarkIdle()
	tp.idle = append(tp.idle, pc)
	// Wake one waiting goroutine — Signal() avoids the thundering herd problem
	// where Broadcast() would wake all waiters only for N-1 to go back to sleep.
	// Broadcast() is reserved for Close() and timeout wakeups.
	tp.cond.Signal()
	tp.mu.Unlock()
}

// resetConn issues the pool's reset query on pc and waits for
// ReadyForQuery, clearing the backend session's dirty/pending-sync
// bookkeeping on success.
func (tp *TargetPool) resetConn(pc *PooledConn) error {
	w := pc.Wire()
	w.SendTagged(wire.TagQuery, append([]byte(tp.resetQuery), 0))
	if err := w.Flush(); err != nil {
		return fmt.Errorf("sending reset query: %w", err)
	}
	for {
		msg, err := w.Recv()
		if err != nil {
			return fmt.Errorf("reading reset query response: %w", err)
		}
		if _, err := pc.Session().Observe(msg); err != nil {
			return err
		}
		if msg.Tag == wire.TagErrorResponse {
			return fmt.Errorf("reset query failed: %s", wire.ParseErrorMessage(msg.Body))
		}
		if msg.Tag == wire.TagReadyForQuery {
			pc.Session().Reset()
			return nil
		}
	}
}

// Stats returns current pool statistics.
func (tp *TargetPool) Stats() Stats {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return Stats{
		Target:    tp.target,
		PoolMode:  tp.poolMode,
		Active:    len(tp.active),
		Idle:      len(tp.idle),
		Total:     tp.total,
		Waiting:   tp.waiting,
		MaxConns:  tp.maxConns,
		MinConns:  tp.minConns,
		Exhausted: tp.exhausted,
	}
}

// Drain closes all idle connections and waits for active ones to be returned.
func (tp *TargetPool) Drain() {
	tp.mu.Lock()

	for _, pc := range tp.idle {
		pc.Close()
		tp.total--
	}
	tp.idle = tp.idle[:0]

	activeCount := len(tp.active)
	tp.mu.Unlock()

	if activeCount > 0 {
		slog.Info("draining active connections", "count", activeCount, "target", tp.target)
		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tp.mu.Lock()
				if len(tp.active) == 0 {
					tp.mu.Unlock()
					return
				}
				tp.mu.Unlock()
			case <-timeout:
				tp.mu.Lock()
				for pc := range tp.active {
					pc.Close()
					tp.total--
				}
				tp.active = make(map[*PooledConn]struct{})
				tp.mu.Unlock()
				slog.Warn("force-closed active connections after drain timeout", "target", tp.target)
				return
			}
		}
	}
}

// Close shuts down the pool.
func (tp *TargetPool) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	close(tp.stopCh)
	tp.cond.Broadcast() // wake any goroutines waiting in Acquire
	tp.mu.Unlock()

	tp.Drain()
}

func (tp *TargetPool) dial(ctx context.Context) (*PooledConn, error) {
	addr := net.JoinHostPort(tp.host, fmt.Sprintf("%d", tp.port))
	dialer := net.Dialer{
		Timeout:   tp.connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	pc := NewPooledConn(conn, tp.target, tp)

	if err := tp.authenticatePG(pc); err != nil {
		pc.Close()
		return nil, fmt.Errorf("backend auth: %w", err)
	}

	return pc, nil
}

// PoolMode returns the pool mode for this target pool.
func (tp *TargetPool) PoolMode() string {
	return tp.poolMode
}

// Password returns the configured password for the backend database.
func (tp *TargetPool) Password() string {
	return tp.password
}

// authenticatePG performs the PostgreSQL startup and authentication
// handshake on a freshly dialed connection, producing a ready-to-query
// connection. It reads directly off the raw socket via wire.ReadFull
// rather than through pc.Wire() — the framed Conn's read buffer must
// stay untouched until the handshake (including any SCRAM exchange,
// which also reads directly off the socket) completes, since nothing
// here compacts or tracks that buffer's fill state.
func (tp *TargetPool) authenticatePG(pc *PooledConn) error {
	conn := pc.Conn()

	startupMsg := wire.EncodeStartupMessage(map[string]string{
		"user":     tp.username,
		"database": tp.dbname,
	})
	if _, err := conn.Write(startupMsg); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	params := make(map[string]string)
	var backendPID, backendKey uint32

	for {
		msg, err := wire.ReadFull(conn, false)
		if err != nil {
			return fmt.Errorf("reading backend startup response: %w", err)
		}
		if _, err := pc.Session().Observe(msg); err != nil {
			return fmt.Errorf("observing backend startup response: %w", err)
		}

		switch msg.Tag {
		case wire.TagAuthentication:
			if len(msg.Body) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := beUint32(msg.Body[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if err := tp.sendPasswordMessage(conn, tp.password); err != nil {
					return err
				}
			case 5: // AuthenticationMD5Password
				if len(msg.Body) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				salt := msg.Body[4:8]
				md5Pass := computeMD5Password(tp.username, tp.password, salt)
				if err := tp.sendPasswordMessage(conn, md5Pass); err != nil {
					return err
				}
			case 10: // AuthenticationSASL (SCRAM-SHA-256)
				if err := scramSHA256Auth(conn, tp.username, tp.password, msg.Body); err != nil {
					return fmt.Errorf("SCRAM-SHA-256 auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported auth type: %d", authType)
			}

		case wire.TagParameterStatus:
			key, val := parseNullTerminatedPair(msg.Body)
			if key != "" {
				params[key] = val
			}

		case wire.TagBackendKeyData:
			if len(msg.Body) >= 8 {
				backendPID = beUint32(msg.Body[0:4])
				backendKey = beUint32(msg.Body[4:8])
			}

		case wire.TagReadyForQuery:
			if len(msg.Body) >= 1 && msg.Body[0] == byte(wire.TxIdle) {
				pc.SetAuthenticated(params, backendPID, backendKey)
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", msg.Body[0])

		case wire.TagErrorResponse:
			return fmt.Errorf("backend error during auth: %s", wire.ParseErrorMessage(msg.Body))

		default:
			continue
		}
	}
}

// sendPasswordMessage sends a PG password message ('p').
func (tp *TargetPool) sendPasswordMessage(conn net.Conn, password string) error {
	body := append([]byte(password), 0)
	_, err := conn.Write(wire.WriteTagged(nil, 'p', body))
	return err
}

// parseNullTerminatedPair parses a "key\0value\0" buffer.
func parseNullTerminatedPair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

// computeMD5Password computes the PostgreSQL MD5 password hash.
// Formula: "md5" + md5(md5(password + user) + salt)
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (tp *TargetPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tp.reapIdle()
		case <-tp.stopCh:
			return
		}
	}
}

func (tp *TargetPool) reapIdle() {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if len(tp.idle) <= tp.minConns {
		return
	}

	// Reap oldest connections first (front of the slice).
	// Keep at least minConns, preserving the newest (back of the slice).
	kept := make([]*PooledConn, 0, len(tp.idle))
	excess := len(tp.idle) - tp.minConns
	for i, pc := range tp.idle {
		if i < excess && (pc.IsIdle(tp.idleTimeout) || pc.IsExpired(tp.maxLifetime)) {
			pc.Close()
			tp.total--
		} else {
			kept = append(kept, pc)
		}
	}
	tp.idle = kept
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// StatsCallback is called periodically with pool stats for each target.
type StatsCallback func(stats Stats)

// Manager manages connection pools for all targets.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*TargetPool
	defaults        config.PoolDefaults
	acquireTimeout  time.Duration
	onPoolExhausted OnPoolExhausted
	statsCallback   StatsCallback
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates a new pool manager.
func NewManager(defaults config.PoolDefaults, acquireTimeout time.Duration) *Manager {
	return &Manager{
		pools:          make(map[string]*TargetPool),
		defaults:       defaults,
		acquireTimeout: acquireTimeout,
		statsStopCh:    make(chan struct{}),
	}
}

// SetOnPoolExhausted sets the callback for pool exhaustion events.
// Must be called before any pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// StartStatsLoop starts a periodic goroutine that calls the stats callback for each pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	m.statsCallback = cb
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// GetOrCreate returns the pool for a target, creating it lazily if needed.
func (m *Manager) GetOrCreate(target string, tc config.TargetConfig) *TargetPool {
	m.mu.RLock()
	if p, ok := m.pools[target]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[target]; ok {
		return p
	}

	p := NewTargetPool(target, tc, m.defaults, m.acquireTimeout)
	p.onPoolExhausted = m.onPoolExhausted
	m.pools[target] = p
	slog.Info("created pool", "target", target, "host", tc.Host, "port", tc.Port, "role", tc.Role)
	return p
}

// Get returns the pool for a target if it exists.
func (m *Manager) Get(target string) (*TargetPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[target]
	return p, ok
}

// Remove closes and removes the pool for a target.
func (m *Manager) Remove(target string) bool {
	m.mu.Lock()
	p, ok := m.pools[target]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, target)
	m.mu.Unlock()

	p.Close()
	slog.Info("removed pool", "target", target)
	return true
}

// DrainTarget drains connections for a specific target.
func (m *Manager) DrainTarget(target string) bool {
	m.mu.RLock()
	p, ok := m.pools[target]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	p.Drain()
	return true
}

// AllStats returns stats for all target pools.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// TargetStats returns stats for a specific target pool.
func (m *Manager) TargetStats(target string) (Stats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[target]
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// UpdateDefaults updates the default pool settings.
func (m *Manager) UpdateDefaults(defaults config.PoolDefaults) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Close shuts down all pools and stops the stats loop. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.statsStopCh)
	})

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*TargetPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
