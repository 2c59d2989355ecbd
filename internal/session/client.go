package session

import (
	"fmt"

	"github.com/dbbouncer/pgproxy/internal/wire"
)

// ClientSession tracks one frontend connection's protocol state:
// which phase it is in, which backend (if any) it is currently bound
// to, and the prepared-statement/portal names it has registered on
// that backend.
//
// Grounded on pg_relay.go's relayPGTransactionMode (the state that
// function threads through local variables — current backend, last
// transaction status, pin reason — is made explicit here as named
// fields) and postgres.go's readStartupMessage/relayAuth (folded into
// the AwaitingStartup/AwaitingSSLResponse/Authenticating states), plus
// the statement/portal map bookkeeping pattern from
// panoplyio/pgsrv's session.go (stmts/pendingStmts/portals, cleared on
// transaction boundary).
type ClientSession struct {
	State ClientState

	Startup  wire.Startup
	Username string
	Database string

	// Backend is the handle of the backend currently bound to this
	// client. Zero when no backend is checked out (between statements
	// in transaction pooling mode, or before the first query).
	Backend Handle

	// TxStatus mirrors the last ReadyForQuery status byte seen from
	// the bound backend (or TxIdle before any query has run).
	TxStatus wire.TransactionStatus

	// Pinned is set once this session must keep the same backend
	// across statement boundaries even in transaction-pooling mode:
	// a named prepared statement, a named portal, a replication stream,
	// or session pool mode pins the session to its backend. A LISTEN
	// registration does not pin it.
	Pinned    bool
	PinReason string

	Statements map[string]*PreparedStatement
	Portals    map[string]*Portal

	// PendingSyncs mirrors the bound backend's pending-sync counter so
	// a disconnected client (Backend == zero Handle) can still report
	// how many Sync replies it owes once a new backend is acquired.
	PendingSyncs int
}

// NewClientSession creates a session in the AwaitingStartup state.
func NewClientSession() *ClientSession {
	return &ClientSession{
		State:      AwaitingStartup,
		TxStatus:   wire.TxIdle,
		Statements: make(map[string]*PreparedStatement),
		Portals:    make(map[string]*Portal),
	}
}

// HandleStartup processes the first (untagged) message. su.Kind
// SSLRequestKind/GSSEncRequestKind leave the caller to write the
// accept/refuse byte and, on accept, upgrade the transport before
// calling HandleStartup again with the real StartupMessage.
func (c *ClientSession) HandleStartup(su wire.Startup) error {
	if c.State != AwaitingStartup && c.State != AwaitingSSLResponse {
		return &StateError{State: c.State, Msg: "unexpected startup message"}
	}

	switch su.Kind {
	case wire.SSLRequestKind, wire.GSSEncRequestKind:
		c.State = AwaitingSSLResponse
		return nil
	case wire.CancelRequestKind:
		return &StateError{State: c.State, Msg: "cancel request must be handled on its own connection, not a session"}
	case wire.StartupMessageKind:
		c.Startup = su
		c.Username = su.Params["user"]
		c.Database = su.Params["database"]
		if c.Database == "" {
			c.Database = c.Username
		}
		c.State = Authenticating
		return nil
	default:
		return &StateError{State: c.State, Msg: fmt.Sprintf("unknown startup kind %d", su.Kind)}
	}
}

// AuthenticationComplete transitions out of Authenticating once the
// plugin chain and auth method have both accepted the client.
func (c *ClientSession) AuthenticationComplete() error {
	if c.State != Authenticating {
		return &StateError{State: c.State, Msg: "AuthenticationComplete called outside Authenticating"}
	}
	c.State = ParameterSetup
	return nil
}

// ReadyForQuery transitions into Ready once ParameterStatus/
// BackendKeyData/ReadyForQuery have been relayed (or synthesized) to
// the client.
func (c *ClientSession) ReadyForQuery(status wire.TransactionStatus) error {
	switch c.State {
	case ParameterSetup, Ready, SimpleQuery, ExtendedQuery:
		c.TxStatus = status
		c.State = Ready
		if status == wire.TxIdle {
			c.ClearUnnamed()
		}
		if status == wire.TxIdle && !c.Pinned {
			c.Backend = Handle{}
		}
		return nil
	default:
		return &StateError{State: c.State, Msg: "unexpected ReadyForQuery"}
	}
}

// BeginSimpleQuery transitions Ready -> SimpleQuery on an incoming
// simple Query message.
func (c *ClientSession) BeginSimpleQuery() error {
	if c.State != Ready {
		return &StateError{State: c.State, Msg: "Query received outside Ready"}
	}
	c.State = SimpleQuery
	return nil
}

// BeginExtendedQuery transitions Ready -> ExtendedQuery on an incoming
// Parse/Bind/Describe/Execute message. It is idempotent across a
// pipelined batch: calling it while already in ExtendedQuery is a
// no-op, since multiple Parse/Bind/Execute groups may arrive before
// the matching Syncs are answered.
func (c *ClientSession) BeginExtendedQuery() error {
	switch c.State {
	case Ready, ExtendedQuery:
		c.State = ExtendedQuery
		return nil
	default:
		return &StateError{State: c.State, Msg: "extended query message received outside Ready/ExtendedQuery"}
	}
}

// NoteSync records a Sync forwarded to the backend, for pipelined
// extended-query correctness: a client may send N Syncs before
// reading any ReadyForQuery, and must not be considered caught up
// until all N have been answered.
func (c *ClientSession) NoteSync() {
	c.PendingSyncs++
}

// NoteSyncAnswered records a ReadyForQuery consumed against a
// previously sent Sync.
func (c *ClientSession) NoteSyncAnswered() {
	if c.PendingSyncs > 0 {
		c.PendingSyncs--
	}
}

// BeginCopyIn/BeginCopyOut/BeginCopyBoth transition into the
// corresponding COPY substate once the backend's CopyInResponse/
// CopyOutResponse/CopyBothResponse has been relayed to the client.
func (c *ClientSession) BeginCopyIn() error  { return c.beginCopy(CopyIn) }
func (c *ClientSession) BeginCopyOut() error { return c.beginCopy(CopyOut) }
func (c *ClientSession) BeginCopyBoth() error {
	return c.beginCopy(CopyBoth)
}

func (c *ClientSession) beginCopy(target ClientState) error {
	switch c.State {
	case SimpleQuery, ExtendedQuery, Ready:
		c.State = target
		return nil
	default:
		return &StateError{State: c.State, Msg: "unexpected COPY response"}
	}
}

// EndCopy transitions out of any COPY substate back to query
// processing, on CopyDone/CopyFail or the backend's CommandComplete
// that follows.
func (c *ClientSession) EndCopy() error {
	switch c.State {
	case CopyIn, CopyOut, CopyBoth:
		c.State = ExtendedQuery
		return nil
	default:
		return &StateError{State: c.State, Msg: "EndCopy called outside a COPY substate"}
	}
}

// BeginReplication transitions into the Replication state, entered
// when the startup message carried replication=true and a
// START_REPLICATION command has been issued. A session in this state
// is never returned to the pool and never sees another
// ReadyForQuery: the CopyBoth stream continues until the connection
// closes.
func (c *ClientSession) BeginReplication() error {
	switch c.State {
	case Ready, SimpleQuery, ExtendedQuery:
		c.State = Replication
		c.Pinned = true
		c.PinReason = "replication"
		return nil
	default:
		return &StateError{State: c.State, Msg: "unexpected START_REPLICATION"}
	}
}

// BindBackend associates h as this session's checked-out backend.
func (c *ClientSession) BindBackend(h Handle) {
	c.Backend = h
}

// ReleaseBackend clears the bound backend, e.g. once a transaction
// pooling mode session returns to idle and is unpinned.
func (c *ClientSession) ReleaseBackend() {
	c.Backend = Handle{}
}

// Pin marks the session as pinned to its current backend across
// statement boundaries, with a human-readable reason (named prepared
// statement, named portal, session pool mode) for logging.
func (c *ClientSession) Pin(reason string) {
	c.Pinned = true
	c.PinReason = reason
}

// RegisterStatement records a Parse message's named statement. Unnamed
// statements (name == "") are not retained across ReadyForQuery
// boundaries in the teacher's model and are overwritten on each Parse;
// named statements survive until an explicit Close and pin the session.
func (c *ClientSession) RegisterStatement(name, query string, paramOIDs []uint32) {
	c.Statements[name] = &PreparedStatement{Name: name, Query: query, ParamOIDs: paramOIDs}
	if name != "" {
		c.Pin("named prepared statement " + name)
	}
}

// RegisterPortal records a Bind message's named portal.
func (c *ClientSession) RegisterPortal(name, statement string) {
	c.Portals[name] = &Portal{Name: name, Statement: statement}
	if name != "" {
		c.Pin("named portal " + name)
	}
}

// CloseStatement/ClosePortal remove a named object on Close.
func (c *ClientSession) CloseStatement(name string) { delete(c.Statements, name) }
func (c *ClientSession) ClosePortal(name string)     { delete(c.Portals, name) }

// ClearUnnamed drops the unnamed statement/portal, called on the
// transaction boundary (ReadyForQuery with TxIdle) per the protocol's
// "unnamed portal is destroyed at the end of the transaction" rule.
func (c *ClientSession) ClearUnnamed() {
	delete(c.Statements, "")
	delete(c.Portals, "")
}

// Terminate transitions to the terminal state. Valid from any state.
func (c *ClientSession) Terminate() {
	c.State = Terminated
}
