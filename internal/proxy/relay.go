package proxy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// errEnterReplication is returned internally by drainToReadyForQuery
// when a START_REPLICATION CopyBoth stream begins, signaling runLoop
// to stop interpreting messages and hand the connection off to the raw
// replication pump for the rest of its life.
var errEnterReplication = errors.New("proxy: entering replication stream")

// runLoop is the proxy's steady-state per-connection relay: read one
// client message, forward it (subject to plugin dispatch), and — at
// whatever point the extended-query protocol produces a reply
// boundary (a simple Query's ReadyForQuery, or an extended-protocol
// Sync's ReadyForQuery) — drain and relay the backend's response
// before reading the next client message. This keeps the proxy
// correct without needing to interleave reads on both sockets: the
// client is always blocked waiting on its own request's reply anyway,
// by the synchronous nature of the wire protocol it speaks.
//
// Grounded on pg_relay.go's relayPGTransactionMode, generalized from a
// single Query/ReadyForQuery round trip to the full extended-query
// message set.
func (pc *proxyConn) runLoop() {
	for {
		msg, err := pc.wire.Recv()
		if err != nil {
			return
		}

		ctx := &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: pc.currentBackendSession(), Target: pc.target}
		effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnClientMessage, ctx, msg)
		if decision.Kind == plugin.Respond {
			pc.wire.SendTagged(effMsg.Tag, effMsg.Body)
			if err := pc.wire.Flush(); err != nil {
				return
			}
			continue
		}
		effective, forward, err := resolveDecision(effMsg, decision)
		if err != nil {
			pc.server.metrics.ErrorObserved("plugin_fail")
			pc.protocolError(err)
			return
		}
		if !forward {
			continue
		}

		if err := pc.handleClientMessage(effective); err != nil {
			if errors.Is(err, errEnterReplication) {
				pc.handOffToReplication()
				return
			}
			pc.server.metrics.ErrorObserved("relay")
			slog.Debug("relay error", "target", pc.target, "err", err)
			return
		}

		if pc.client.State == session.Terminated {
			return
		}
	}
}

func (pc *proxyConn) currentBackendSession() *session.BackendSession {
	if pc.client.Backend.IsZero() {
		return nil
	}
	if backend, ok := pc.server.backends.Get(pc.client.Backend); ok {
		return backend.Session()
	}
	return nil
}

func (pc *proxyConn) handleClientMessage(msg wire.Message) error {
	switch msg.Tag {
	case wire.TagTerminate:
		pc.client.Terminate()
		return nil

	case wire.TagQuery:
		if err := pc.client.BeginSimpleQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnQuery, pc.contextFor(backend), msg)
		if decision.Kind == plugin.Respond {
			pc.wire.SendTagged(effMsg.Tag, effMsg.Body)
			return pc.wire.Flush()
		}
		effective, forward, err := resolveDecision(effMsg, decision)
		if err != nil {
			pc.server.metrics.ErrorObserved("plugin_fail")
			pc.protocolError(err)
			return err
		}
		if !forward {
			return nil
		}
		backend.Wire().SendTagged(effective.Tag, effective.Body)
		if err := backend.Wire().Flush(); err != nil {
			return fmt.Errorf("forwarding query: %w", err)
		}
		h := pc.client.Backend
		if err := pc.drainToReadyForQuery(backend); err != nil {
			return err
		}
		pc.maybeRelease(h)
		return nil

	case wire.TagParse:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnParse, pc.contextFor(backend), msg)
		effective, forward, err := resolveDecision(effMsg, decision)
		if err != nil {
			pc.server.metrics.ErrorObserved("plugin_fail")
			pc.protocolError(err)
			return err
		}
		if !forward {
			return nil
		}
		name, query, paramOIDs := parseParseMessage(effective.Body)
		pc.client.RegisterStatement(name, query, paramOIDs)
		if name != "" {
			backend.Session().NoteNamedObject()
		}
		return pc.forwardOnly(backend, effective)

	case wire.TagBind:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		portal, stmt := parseBindMessage(msg.Body)
		pc.client.RegisterPortal(portal, stmt)
		if portal != "" {
			backend.Session().NoteNamedObject()
		}
		return pc.forwardOnly(backend, msg)

	case wire.TagDescribe, wire.TagExecute:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		return pc.forwardOnly(backend, msg)

	case wire.TagClose:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		kind, name := parseDescribeOrClose(msg.Body)
		switch kind {
		case 'S':
			pc.client.CloseStatement(name)
		case 'P':
			pc.client.ClosePortal(name)
		}
		return pc.forwardOnly(backend, msg)

	case wire.TagFlush:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		return pc.forwardOnly(backend, msg)

	case wire.TagSync:
		if err := pc.client.BeginExtendedQuery(); err != nil {
			return err
		}
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		backend.Session().NoteSyncSent()
		pc.client.NoteSync()
		backend.Wire().SendTagged(msg.Tag, msg.Body)
		if err := backend.Wire().Flush(); err != nil {
			return fmt.Errorf("forwarding sync: %w", err)
		}
		h := pc.client.Backend
		if err := pc.drainToReadyForQuery(backend); err != nil {
			return err
		}
		pc.maybeRelease(h)
		return nil

	case wire.TagCopyData, wire.TagCopyDone, wire.TagCopyFail:
		// Only reachable if a COPY IN stream is somehow still being read
		// by runLoop instead of the nested passthrough in
		// drainToReadyForQuery — defensive forward, no drain.
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		return pc.forwardOnly(backend, msg)

	default:
		backend, err := pc.acquire()
		if err != nil {
			return pc.sendBackendUnavailable(err)
		}
		return pc.forwardOnly(backend, msg)
	}
}

func (pc *proxyConn) contextFor(backend interface {
	Session() *session.BackendSession
}) *plugin.Context {
	return &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: backend.Session(), Target: pc.target}
}

func (pc *proxyConn) forwardOnly(backend interface {
	Wire() *wire.Conn
}, msg wire.Message) error {
	backend.Wire().SendTagged(msg.Tag, msg.Body)
	return backend.Wire().Flush()
}

func (pc *proxyConn) sendBackendUnavailable(cause error) error {
	pc.wire.SendTagged(wire.TagErrorResponse, wire.EncodeErrorFields("ERROR", "08006", "connection to target failed"))
	_ = pc.wire.Flush()
	return fmt.Errorf("acquiring backend: %w", cause)
}

func (pc *proxyConn) protocolError(err error) {
	pc.onError(err)
	pc.wire.SendTagged(wire.TagErrorResponse, wire.EncodeErrorFields("FATAL", "08P01", err.Error()))
	_ = pc.wire.Flush()
}

// onError runs the on_error hook for a fatal condition reached mid
// session. Its own Fail decision is not acted on — the session is
// already tearing down by the time onError is called — but a
// registered plugin still gets a chance to observe and log it.
func (pc *proxyConn) onError(cause error) {
	ctx := &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: pc.currentBackendSession(), Target: pc.target, Err: cause}
	plugin.DispatchAll(pc.server.plugins, plugin.OnError, ctx)
}

// drainToReadyForQuery reads and relays backend messages until the
// matching ReadyForQuery is observed, transparently handling any COPY
// substate the query enters along the way.
func (pc *proxyConn) drainToReadyForQuery(backend interface {
	Wire() *wire.Conn
	Session() *session.BackendSession
}) error {
	for {
		msg, err := backend.Wire().Recv()
		if err != nil {
			return fmt.Errorf("reading backend reply: %w", err)
		}
		event, err := backend.Session().Observe(msg)
		if err != nil {
			return fmt.Errorf("interpreting backend reply: %w", err)
		}

		ctx := &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: backend.Session(), Target: pc.target}
		effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnBackendMessage, ctx, msg)
		effective, forward, err := resolveDecision(effMsg, decision)
		if err != nil {
			return err
		}
		if forward && msg.Tag == wire.TagCopyData {
			effMsg, decision = plugin.Dispatch(pc.server.plugins, plugin.OnCopyData, ctx, effective)
			effective, forward, err = resolveDecision(effMsg, decision)
			if err != nil {
				return err
			}
		}
		if forward {
			pc.wire.SendTagged(effective.Tag, effective.Body)
		}

		switch event {
		case session.EventCopyInResponse:
			if err := pc.client.BeginCopyIn(); err != nil {
				return err
			}
			if err := pc.wire.Flush(); err != nil {
				return err
			}
			if err := pc.copyInPassthrough(backend); err != nil {
				return err
			}
			if err := pc.client.EndCopy(); err != nil {
				return err
			}

		case session.EventCopyOutResponse:
			if err := pc.client.BeginCopyOut(); err != nil {
				return err
			}

		case session.EventCopyBothResponse:
			if err := pc.client.BeginCopyBoth(); err != nil {
				return err
			}
			if pc.replicationRequested() {
				if err := pc.wire.Flush(); err != nil {
					return err
				}
				return errEnterReplication
			}

		case session.EventCopyDone:
			if pc.client.State == session.CopyOut || pc.client.State == session.CopyBoth {
				_ = pc.client.EndCopy()
			}

		case session.EventReadyForQuery:
			if err := pc.wire.Flush(); err != nil {
				return err
			}
			pc.client.NoteSyncAnswered()
			status := wire.TransactionStatus(msg.Body[0])
			pc.trackTransaction(status)
			return pc.client.ReadyForQuery(status)
		}
	}
}

// copyInPassthrough relays CopyData messages from the client straight
// to the backend with no interpretation or draining, until CopyDone or
// CopyFail ends the stream — the one substate where the client, not
// the backend, drives message flow.
func (pc *proxyConn) copyInPassthrough(backend interface {
	Wire() *wire.Conn
	Session() *session.BackendSession
}) error {
	for {
		msg, err := pc.wire.Recv()
		if err != nil {
			return fmt.Errorf("reading COPY data from client: %w", err)
		}
		effective := msg
		if msg.Tag == wire.TagCopyData {
			ctx := &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: backend.Session(), Target: pc.target}
			effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnCopyData, ctx, msg)
			var forward bool
			effective, forward, err = resolveDecision(effMsg, decision)
			if err != nil {
				return err
			}
			if !forward {
				continue
			}
		}
		backend.Wire().SendTagged(effective.Tag, effective.Body)
		if err := backend.Wire().Flush(); err != nil {
			return fmt.Errorf("forwarding COPY data: %w", err)
		}
		if effective.Tag == wire.TagCopyDone || effective.Tag == wire.TagCopyFail {
			return nil
		}
	}
}

func (pc *proxyConn) trackTransaction(status wire.TransactionStatus) {
	wasIdle := pc.client.TxStatus == wire.TxIdle
	if wasIdle && status != wire.TxIdle {
		pc.txStarted = time.Now()
	} else if !wasIdle && status == wire.TxIdle && !pc.txStarted.IsZero() {
		pc.server.metrics.TransactionCompleted(pc.target, time.Since(pc.txStarted))
		pc.txStarted = time.Time{}
	}
}

func (pc *proxyConn) replicationRequested() bool {
	v, ok := pc.client.Startup.Params["replication"]
	if !ok {
		return false
	}
	return v != "" && v != "0" && !strings.EqualFold(v, "false")
}

// handOffToReplication enters the message-level replication pump for
// the remainder of the connection, once a replication CopyBoth stream
// has begun. The session is pinned and the backend is never returned
// to the pool.
func (pc *proxyConn) handOffToReplication() {
	backend, ok := pc.server.backends.Get(pc.client.Backend)
	if !ok {
		return
	}
	if err := pc.client.BeginReplication(); err != nil {
		slog.Debug("replication pin rejected", "err", err)
	}
	_ = pc.relayReplicationStream(backend)
	backend.Close()
}

// resolveDecision turns a Dispatch result into what the caller should
// do: effective is already the accumulated message after any Replace
// in the chain. Respond is treated the same as Forward at this layer
// — plugins that want to answer the client directly without touching
// the backend do so via a Respond on OnClientMessage, and the message
// they hand back is what gets sent onward instead of being relayed
// through the backend roundtrip; distinguishing that from an ordinary
// forward is the caller's responsibility where it matters.
func resolveDecision(effective wire.Message, d plugin.Decision) (wire.Message, bool, error) {
	switch d.Kind {
	case plugin.Drop:
		return wire.Message{}, false, nil
	case plugin.Fail:
		return wire.Message{}, false, d.Err
	default:
		return effective, true, nil
	}
}

func parseParseMessage(body []byte) (name, query string, paramOIDs []uint32) {
	name, rest := readCString(body)
	query, rest = readCString(rest)
	if len(rest) < 2 {
		return name, query, nil
	}
	n := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	oids := make([]uint32, 0, n)
	for i := 0; i < n && len(rest) >= 4; i++ {
		oids = append(oids, binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	return name, query, oids
}

func parseBindMessage(body []byte) (portal, stmt string) {
	portal, rest := readCString(body)
	stmt, _ = readCString(rest)
	return portal, stmt
}

func parseDescribeOrClose(body []byte) (kind byte, name string) {
	if len(body) == 0 {
		return 0, ""
	}
	kind = body[0]
	name, _ = readCString(body[1:])
	return kind, name
}

func readCString(b []byte) (string, []byte) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:]
		}
	}
	return string(b), nil
}
