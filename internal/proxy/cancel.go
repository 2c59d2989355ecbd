package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// cancelKey is the fabricated (PID, secret) pair the proxy hands the
// client in BackendKeyData. It never corresponds to a real backend
// process: pgbouncer-style poolers cannot hand out the pooled
// connection's own key, since that connection may be mid-flight on an
// entirely different client's query by the time the cancel arrives.
// Instead the key indexes an Arena slot holding whatever backend is
// presently bound to the session, resolved at cancel time.
type cancelKey struct {
	pid    uint32
	secret uint32
}

// cancelRegistry maps fabricated cancel keys to the arena handle for
// the session that owns them, so a CancelRequest on a fresh connection
// can look up which real backend (if any) to interrupt.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[cancelKey]session.Handle
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[cancelKey]session.Handle)}
}

func generateCancelKey() (cancelKey, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return cancelKey{}, fmt.Errorf("generating cancel key: %w", err)
	}
	return cancelKey{
		pid:    binary.BigEndian.Uint32(buf[0:4]),
		secret: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

func (r *cancelRegistry) register(k cancelKey, h session.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[k] = h
}

func (r *cancelRegistry) unregister(k cancelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, k)
}

func (r *cancelRegistry) lookup(k cancelKey) (session.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[k]
	return h, ok
}

// handleCancelRequest services a connection that opened with a
// CancelRequest instead of a StartupMessage. Per protocol, the server
// never replies on this connection — it just closes once the best-
// effort interrupt has been attempted.
func (s *Server) handleCancelRequest(conn net.Conn, su wire.Startup) {
	defer conn.Close()

	k := cancelKey{pid: su.PID, secret: su.Key}
	h, ok := s.cancels.lookup(k)
	if !ok {
		slog.Debug("cancel request for unknown key", "pid", su.PID)
		return
	}
	pc, ok := s.backends.Get(h)
	if !ok {
		slog.Debug("cancel request arrived after backend was released", "pid", su.PID)
		return
	}

	target := pc.Target()
	host, port, ok := s.targetAddr(target)
	if !ok {
		slog.Warn("cancel request: target no longer routable", "target", target)
		return
	}
	backendPID, backendSecret := pc.BackendKeyData()

	cancelConn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 5*time.Second)
	if err != nil {
		slog.Warn("cancel request: dialing target failed", "target", target, "err", err)
		return
	}
	defer cancelConn.Close()

	if _, err := cancelConn.Write(wire.EncodeCancelRequest(backendPID, backendSecret)); err != nil {
		slog.Warn("cancel request: writing to target failed", "target", target, "err", err)
	}
}

func (s *Server) targetAddr(target string) (string, int, bool) {
	tc, err := s.router.Resolve(target)
	if err != nil {
		return "", 0, false
	}
	return tc.Host, tc.Port, true
}
