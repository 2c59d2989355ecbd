package proxy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dbbouncer/pgproxy/internal/config"
	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/pool"
	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// proxyConn holds everything one frontend connection's lifetime needs
// beyond what ClientSession already tracks: the routing target it
// resolved to, the pool it draws backends from, and the fabricated
// cancel key registered for it.
type proxyConn struct {
	server *Server
	wire   *wire.Conn
	client *session.ClientSession

	target    string
	targetCfg config.TargetConfig
	pool      *pool.TargetPool

	key       cancelKey
	startedAt time.Time
	txStarted time.Time
}

// serveSession runs a fully negotiated (post-startup) frontend
// connection end to end: authentication, initial backend acquisition,
// the synthetic welcome handshake, the main relay loop, and cleanup.
func (s *Server) serveSession(wc *wire.Conn, su wire.Startup) {
	defer wc.Close()
	wc.SetLimits(s.limits.MaxMessageSize, s.limits.MaxMessageSizeCopy)

	cs := session.NewClientSession()
	if err := cs.HandleStartup(su); err != nil {
		s.reportFatal(wc, cs, "08P01", err)
		return
	}
	if cs.Username == "" {
		s.reportFatal(wc, cs, "28000", fmt.Errorf("no user specified in startup message"))
		return
	}

	startupCtx := &plugin.Context{Ctx: s.ctx, Client: cs, Target: cs.Database}
	if d := plugin.DispatchAll(s.plugins, plugin.OnStartup, startupCtx); d.Kind == plugin.Fail {
		s.reportFatal(wc, cs, "57P03", d.Err)
		return
	}

	if err := authenticateFrontend(wc, s.secrets, cs.Username); err != nil {
		slog.Info("authentication failed", "user", cs.Username, "err", err)
		s.reportFatal(wc, cs, "28P01", fmt.Errorf("password authentication failed"))
		return
	}
	if err := cs.AuthenticationComplete(); err != nil {
		s.reportFatal(wc, cs, "08P01", err)
		return
	}
	if d := plugin.DispatchAll(s.plugins, plugin.OnAuthenticate, startupCtx); d.Kind == plugin.Fail {
		s.reportFatal(wc, cs, "57P03", d.Err)
		return
	}

	tc, err := s.router.Resolve(cs.Database)
	if err != nil || s.router.IsPaused(cs.Database) {
		s.reportFatal(wc, cs, "3D000", fmt.Errorf("target %q is not available", cs.Database))
		return
	}

	key, err := generateCancelKey()
	if err != nil {
		s.reportFatal(wc, cs, "XX000", fmt.Errorf("internal error establishing session"))
		return
	}

	pc := &proxyConn{
		server:    s,
		wire:      wc,
		client:    cs,
		target:    cs.Database,
		targetCfg: tc,
		key:       key,
		startedAt: time.Now(),
	}
	defer pc.cleanup()

	if err := pc.bootstrap(); err != nil {
		slog.Info("session bootstrap failed", "target", pc.target, "user", cs.Username, "err", err)
		sendFatal(wc, "08006", err.Error())
		return
	}

	pc.runLoop()
}

// bootstrap acquires a backend long enough to learn its startup
// ParameterStatus values and BackendKeyData, sends the synthetic
// welcome sequence to the client, registers the fabricated cancel key,
// and — for pool modes other than session — returns the backend to
// the pool immediately, since nothing is bound to this client yet.
func (pc *proxyConn) bootstrap() error {
	backend, err := pc.acquire()
	if err != nil {
		return fmt.Errorf("acquiring backend connection: %w", err)
	}

	params := backend.Params()
	for k, v := range params {
		pc.wire.SendTagged(wire.TagParameterStatus, encodeNulPair(k, v))
	}

	var keyData [8]byte
	beUint32(keyData[0:4], pc.key.pid)
	beUint32(keyData[4:8], pc.key.secret)
	pc.wire.SendTagged(wire.TagBackendKeyData, keyData[:])

	if pc.pool.PoolMode() == "session" {
		// session mode binds one backend for the connection's entire
		// life. Pin before the first ReadyForQuery so its "unpin at
		// TxIdle" rule (meant for transaction/statement pooling) never
		// clears the binding between statements.
		pc.client.Pin("session pool mode")
	}

	h := pc.client.Backend
	if err := pc.client.ReadyForQuery(wire.TxIdle); err != nil {
		return fmt.Errorf("entering ready state: %w", err)
	}
	pc.wire.SendTagged(wire.TagReadyForQuery, []byte{byte(wire.TxIdle)})
	if err := pc.wire.Flush(); err != nil {
		return fmt.Errorf("flushing welcome sequence: %w", err)
	}

	if pc.pool.PoolMode() != "session" {
		pc.release(h)
	}
	return nil
}

// acquire checks out a backend for pc if none is currently bound,
// registering it both in the server-wide arena (for cancel lookups)
// and on the client session.
func (pc *proxyConn) acquire() (*pool.PooledConn, error) {
	if !pc.client.Backend.IsZero() {
		if backend, ok := pc.server.backends.Get(pc.client.Backend); ok {
			return backend, nil
		}
	}

	tp := pc.server.poolMgr.GetOrCreate(pc.target, pc.targetCfg)
	pc.pool = tp

	start := time.Now()
	backend, err := tp.Acquire(pc.server.ctx)
	pc.server.metrics.AcquireDuration(pc.target, time.Since(start))
	if err != nil {
		return nil, err
	}

	h := pc.server.backends.Put(backend)
	pc.client.BindBackend(h)
	pc.server.cancels.register(pc.key, h)

	if d := plugin.DispatchAll(pc.server.plugins, plugin.OnBindBackend, pc.contextFor(backend)); d.Kind == plugin.Fail {
		pc.release(h)
		return nil, d.Err
	}
	return backend, nil
}

// release returns the backend identified by h to its pool and clears
// the binding on the server's arena and, if it hasn't already moved on
// to a different backend, the client session.
//
// h must be captured by the caller before calling
// ClientSession.ReadyForQuery: that call clears ClientSession.Backend
// itself for an unpinned idle session, so by the time a caller can
// decide whether to release, pc.client.Backend may already read zero.
// Passing the handle down explicitly avoids depending on state that
// may no longer be there.
func (pc *proxyConn) release(h session.Handle) {
	if h.IsZero() {
		return
	}
	if backend, ok := pc.server.backends.Get(h); ok {
		if d := plugin.DispatchAll(pc.server.plugins, plugin.OnReleaseBackend, pc.contextFor(backend)); d.Kind == plugin.Fail {
			slog.Warn("on_release_backend failed the session, closing backend instead of returning it", "target", pc.target, "err", d.Err)
			backend.Close()
		} else {
			backend.Return()
		}
	}
	pc.server.backends.Release(h)
	if pc.client.Backend == h {
		pc.client.ReleaseBackend()
	}
}

// maybeRelease applies pool-mode release policy after a statement
// boundary (a completed simple Query, or a Sync answered), for the
// backend identified by h (captured before the ReadyForQuery that just
// completed the boundary). A pinned session (named prepared
// statement/portal, replication, session pool mode) is never released regardless
// of mode.
func (pc *proxyConn) maybeRelease(h session.Handle) {
	if pc.client.Pinned {
		return
	}
	switch pc.pool.PoolMode() {
	case "statement":
		pc.release(h)
	case "transaction":
		if pc.client.TxStatus == wire.TxIdle {
			pc.release(h)
		}
	}
}

// cleanup runs once when a session ends, releasing or force-closing
// its backend depending on how it ended, and reporting final metrics.
func (pc *proxyConn) cleanup() {
	pc.server.metrics.SessionDuration(pc.target, time.Since(pc.startedAt))
	pc.server.cancels.unregister(pc.key)

	h := pc.client.Backend
	if h.IsZero() {
		return
	}
	backend, ok := pc.server.backends.Get(h)
	if ok && backend.IsDirty() {
		pc.server.metrics.DirtyDisconnect(pc.target)
	}
	if ok {
		backend.Return()
	}
	pc.server.backends.Release(h)
	pc.client.ReleaseBackend()
}

func encodeNulPair(k, v string) []byte {
	out := make([]byte, 0, len(k)+len(v)+2)
	out = append(out, k...)
	out = append(out, 0)
	out = append(out, v...)
	out = append(out, 0)
	return out
}

func beUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// sendFatal sends an ErrorResponse and closes the connection — the
// only thing the proxy can do once startup or authentication fails.
func sendFatal(wc *wire.Conn, code, message string) {
	_ = wc.SendErrorAndClose("FATAL", code, message)
}

// reportFatal runs the on_error hook for a startup/authentication
// failure — before a proxyConn exists to carry the usual onError
// helper — then sends the fatal ErrorResponse and closes wc.
func (s *Server) reportFatal(wc *wire.Conn, cs *session.ClientSession, code string, cause error) {
	ctx := &plugin.Context{Ctx: s.ctx, Client: cs, Target: cs.Database, Err: cause}
	plugin.DispatchAll(s.plugins, plugin.OnError, ctx)
	sendFatal(wc, code, cause.Error())
}
