package pool

import (
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// ConnState represents the state of a pooled connection.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// PooledConn wraps a backend wire connection with pooling metadata and
// the protocol bookkeeping needed to decide whether it can be reused.
type PooledConn struct {
	mu        sync.Mutex
	wireConn  *wire.Conn
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	target    string
	pool      *TargetPool // back-reference for returning to pool

	authenticated bool
	params        map[string]string
	backendPID    uint32
	backendSecret uint32

	session *session.BackendSession
}

// NewPooledConn wraps a net.Conn for pool management. target names the
// configured backend this connection was dialed against.
func NewPooledConn(conn net.Conn, target string, p *TargetPool) *PooledConn {
	now := time.Now()
	return &PooledConn{
		wireConn:  wire.NewConn(conn, false),
		state:     ConnStateIdle,
		createdAt: now,
		lastUsed:  now,
		target:    target,
		pool:      p,
		params:    make(map[string]string),
		session:   session.NewBackendSession(session.Handle{}),
	}
}

// Conn returns the underlying net.Conn.
func (pc *PooledConn) Conn() net.Conn {
	return pc.wireConn.NetConn()
}

// Wire returns the framed wire.Conn wrapping this connection, for
// reading/writing PostgreSQL protocol messages without re-wrapping the
// raw net.Conn.
func (pc *PooledConn) Wire() *wire.Conn {
	return pc.wireConn
}

// Session returns the backend session state machine tracking this
// connection's transaction status, dirty bit, and pending syncs.
func (pc *PooledConn) Session() *session.BackendSession {
	return pc.session
}

// Target returns the configured backend target this connection belongs to.
func (pc *PooledConn) Target() string {
	return pc.target
}

// IsAuthenticated reports whether the startup/authentication handshake
// against the backend has already completed on this connection.
func (pc *PooledConn) IsAuthenticated() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.authenticated
}

// SetAuthenticated records that the backend handshake completed,
// capturing the ParameterStatus values and BackendKeyData the backend
// sent during startup so they can be replayed or consulted later
// (e.g. server_version, to a client that never saw them directly).
func (pc *PooledConn) SetAuthenticated(params map[string]string, pid, secretKey uint32) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.authenticated = true
	pc.backendPID = pid
	pc.backendSecret = secretKey
	for k, v := range params {
		pc.params[k] = v
	}
}

// BackendKeyData returns the PID and secret key the backend assigned
// this connection during startup, for building a CancelRequest.
func (pc *PooledConn) BackendKeyData() (pid, secretKey uint32) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.backendPID, pc.backendSecret
}

// Param returns a ParameterStatus value captured during startup.
func (pc *PooledConn) Param(name string) (string, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	v, ok := pc.params[name]
	return v, ok
}

// Params returns a copy of every ParameterStatus value captured during
// startup, for replaying the backend's full parameter set to a client
// that never saw them directly (the proxy, not the backend, is what
// actually answers a client's startup).
func (pc *PooledConn) Params() map[string]string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make(map[string]string, len(pc.params))
	for k, v := range pc.params {
		out[k] = v
	}
	return out
}

// MarkActive marks this connection as in-use.
func (pc *PooledConn) MarkActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateActive
	pc.lastUsed = time.Now()
}

// MarkIdle marks this connection as idle (returned to pool).
func (pc *PooledConn) MarkIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateIdle
	pc.lastUsed = time.Now()
}

// State returns the current connection state.
func (pc *PooledConn) State() ConnState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// CreatedAt returns when this connection was established.
func (pc *PooledConn) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsed returns when this connection was last used.
func (pc *PooledConn) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// IsExpired checks if the connection has exceeded its max lifetime.
func (pc *PooledConn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

// IsIdle checks if the connection has been idle longer than the timeout.
func (pc *PooledConn) IsIdle(idleTimeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return pc.state == ConnStateIdle && time.Since(pc.lastUsed) > idleTimeout
}

// IsDirty reports whether the backend session left state behind
// (an open transaction, unclosed prepared statements/portals, a
// session-level SET) that a reset query must clear before reuse.
func (pc *PooledConn) IsDirty() bool {
	return pc.session.Dirty
}

// Close closes the underlying connection and marks it as closed.
func (pc *PooledConn) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = ConnStateClosed
	return pc.wireConn.NetConn().Close()
}

// Ping performs a lightweight health check on the connection.
// A 1-byte read with a short deadline is used. A timeout error means
// the connection is alive (no data pending but not closed). Any other
// error means the connection is dead.
func (pc *PooledConn) Ping() error {
	conn := pc.wireConn.NetConn()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	conn.SetReadDeadline(time.Time{}) // Clear deadline
	if err != nil {
		// timeout is expected (connection is alive), other errors mean it's dead
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	// If we actually read a byte, the connection is alive (unexpected data, but not dead)
	return nil
}

// Return releases this connection back to its pool.
func (pc *PooledConn) Return() {
	if pc.pool != nil {
		pc.pool.Return(pc)
	}
}
