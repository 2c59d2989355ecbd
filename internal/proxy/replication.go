package proxy

import (
	"errors"
	"io"

	"github.com/dbbouncer/pgproxy/internal/plugin"
	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// relayReplicationStream pumps CopyData messages bidirectionally
// between the client and its pinned backend once a session has
// entered the Replication substate, running every message through
// on_replication_message before forwarding it. This is the one point
// in the proxy where the two directions run concurrently instead of
// the synchronous request/reply turn-taking runLoop otherwise relies
// on: a streaming replication connection has the backend pushing
// XLogData on its own schedule while the client independently sends
// standby status updates.
func (pc *proxyConn) relayReplicationStream(backend interface {
	Wire() *wire.Conn
	Session() *session.BackendSession
}) error {
	errCh := make(chan error, 2)
	go func() { errCh <- pc.pumpReplicationDirection(backend.Wire(), pc.wire, backend) }()
	go func() { errCh <- pc.pumpReplicationDirection(pc.wire, backend.Wire(), backend) }()

	var first error
	select {
	case <-pc.server.ctx.Done():
	case first = <-errCh:
	}

	pc.wire.Close()
	backend.Wire().Close()
	if second := <-errCh; first == nil {
		first = second
	}

	if first != nil && !errors.Is(first, io.EOF) {
		return first
	}
	return nil
}

// pumpReplicationDirection relays messages read from src to dst until
// src errors (including on a Close triggered by the other direction
// failing or the server shutting down), dispatching on_replication_message
// on every message. A Fail decision tears down both directions by
// returning the error, which the caller closes both connections on.
func (pc *proxyConn) pumpReplicationDirection(src, dst *wire.Conn, backend interface {
	Session() *session.BackendSession
}) error {
	for {
		msg, err := src.Recv()
		if err != nil {
			return err
		}
		ctx := &plugin.Context{Ctx: pc.server.ctx, Client: pc.client, Backend: backend.Session(), Target: pc.target}
		effMsg, decision := plugin.Dispatch(pc.server.plugins, plugin.OnReplicationMessage, ctx, msg)
		effective, forward, err := resolveDecision(effMsg, decision)
		if err != nil {
			return err
		}
		if !forward {
			continue
		}
		dst.SendTagged(effective.Tag, effective.Body)
		if err := dst.Flush(); err != nil {
			return err
		}
	}
}
