// Package proxy implements the PostgreSQL-speaking edge of the
// connection pooler: it accepts frontend connections, negotiates
// TLS/authentication, resolves a routing target, checks out a pooled
// backend, and relays the extended-query protocol between the two
// through the plugin dispatch table, releasing the backend back to
// its pool at whatever boundary the target's pool mode dictates.
//
// Grounded on the teacher's internal/proxy/server.go accept-loop and
// per-listener TLS loading, collapsed to PostgreSQL-only since MySQL
// routing is out of scope for this pooler.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/pgproxy/internal/auth"
	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/health"
	"github.com/dbbouncer/pgproxy/internal/metrics"
	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/router"
	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// Server accepts PostgreSQL frontend connections and proxies them
// through the connection pool.
type Server struct {
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	plugins     *plugin.Registry
	secrets     *auth.SecretStore
	limits      config.LimitsConfig

	backends *session.Arena[*pool.PooledConn]
	cancels  *cancelRegistry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewServer wires together the already-constructed router, pool
// manager, health checker, metrics collector, plugin registry, and
// frontend secret store into a Server ready to Listen.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, plugins *plugin.Registry, secrets *auth.SecretStore, limits config.LimitsConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		plugins:     plugins,
		secrets:     secrets,
		limits:      limits,
		backends:    session.NewArena[*pool.PooledConn](),
		cancels:     newCancelRegistry(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Listen starts an accept loop for every configured listen entry,
// loading its TLS certificate pair up front if one is configured.
func (s *Server) Listen(entries []config.ListenEntry) error {
	for _, entry := range entries {
		var tlsCfg *tls.Config
		if entry.TLS != nil {
			cert, err := tls.LoadX509KeyPair(entry.TLS.Cert, entry.TLS.Key)
			if err != nil {
				return fmt.Errorf("loading TLS cert for %s: %w", entry.Address, err)
			}
			tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}

		ln, err := net.Listen("tcp", entry.Address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", entry.Address, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		slog.Info("proxy listening", "address", entry.Address, "tls", tlsCfg != nil)
		s.wg.Add(1)
		go s.acceptLoop(ln, tlsCfg)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, tlsCfg *tls.Config) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, tlsCfg)
		}()
	}
}

// handleConnection negotiates the startup/SSL/cancel handshake, then
// either services a CancelRequest and returns or hands the connection
// to serveSession.
func (s *Server) handleConnection(conn net.Conn, tlsCfg *tls.Config) {
	wc, su, err := negotiateStartup(conn, tlsCfg)
	if err != nil {
		slog.Debug("startup negotiation failed", "remote", conn.RemoteAddr(), "err", err)
		conn.Close()
		return
	}

	if su.Kind == wire.CancelRequestKind {
		s.handleCancelRequest(conn, su)
		return
	}

	s.serveSession(wc, su)
}

// Stop closes every listener and waits for in-flight connections to
// finish their current operation before returning.
func (s *Server) Stop() error {
	s.cancel()
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("proxy: shutdown timed out waiting for connections to drain")
	}
}
