// Package session implements the client- and backend-facing state
// machines that sit on either side of a plugin dispatch table: a
// ClientSession tracks one frontend connection from startup through
// authentication into query processing, while a BackendSession tracks
// the pooled connection currently bound to it.
package session

import (
	"fmt"

	"github.com/dbbouncer/pgproxy/internal/wire"
)

// ClientState enumerates the phases a frontend connection passes
// through. Transitions are driven by the ClientSession methods, which
// internal/proxy calls as it reads frontend messages and relays the
// backend's replies.
type ClientState int

const (
	AwaitingStartup ClientState = iota
	AwaitingSSLResponse
	Authenticating
	ParameterSetup
	Ready
	SimpleQuery
	ExtendedQuery
	CopyIn
	CopyOut
	CopyBoth
	Replication
	Terminated
)

func (s ClientState) String() string {
	switch s {
	case AwaitingStartup:
		return "awaiting_startup"
	case AwaitingSSLResponse:
		return "awaiting_ssl_response"
	case Authenticating:
		return "authenticating"
	case ParameterSetup:
		return "parameter_setup"
	case Ready:
		return "ready"
	case SimpleQuery:
		return "simple_query"
	case ExtendedQuery:
		return "extended_query"
	case CopyIn:
		return "copy_in"
	case CopyOut:
		return "copy_out"
	case CopyBoth:
		return "copy_both"
	case Replication:
		return "replication"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// BackendState enumerates the phases of a pooled backend connection as
// observed from the proxy side, independent of the pool's own
// idle/active bookkeeping (internal/pool owns that; this is the
// protocol-level view a BackendSession exposes to plugin dispatch).
type BackendState int

const (
	BackendConnecting BackendState = iota
	BackendAuthenticating
	BackendReady
	BackendInQuery
	BackendCopyIn
	BackendCopyOut
	BackendCopyBoth
	BackendReplication
	BackendClosed
)

func (s BackendState) String() string {
	switch s {
	case BackendConnecting:
		return "connecting"
	case BackendAuthenticating:
		return "authenticating"
	case BackendReady:
		return "ready"
	case BackendInQuery:
		return "in_query"
	case BackendCopyIn:
		return "copy_in"
	case BackendCopyOut:
		return "copy_out"
	case BackendCopyBoth:
		return "copy_both"
	case BackendReplication:
		return "replication"
	case BackendClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateError reports an unexpected message for the current state —
// a protocol violation distinct from a wire-framing error.
type StateError struct {
	State ClientState
	Tag   byte
	Msg   string
}

func (e *StateError) Error() string {
	if e.Tag != 0 {
		return fmt.Sprintf("session: unexpected message %q in state %s: %s", e.Tag, e.State, e.Msg)
	}
	return fmt.Sprintf("session: %s: %s", e.State, e.Msg)
}

// PreparedStatement tracks a named (or unnamed) prepared statement
// created by Parse, cleared on the transaction boundary it was bound
// within when unnamed, retained across transactions when named.
type PreparedStatement struct {
	Name      string
	Query     string
	ParamOIDs []uint32
}

// Portal tracks a named (or unnamed) portal created by Bind.
type Portal struct {
	Name      string
	Statement string
}

// TransactionStatus re-exports wire.TransactionStatus so callers of
// this package don't need to import internal/wire just to read it off
// a session.
type TransactionStatus = wire.TransactionStatus

const (
	TxIdle     = wire.TxIdle
	TxInBlock  = wire.TxInBlock
	TxInFailed = wire.TxInFailed
)
