package session

import (
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// BackendSession tracks the protocol-level state of one pooled
// connection to a PostgreSQL target, as observed by the proxy. It
// does not own the socket (that's wire.Conn, held by the pool's
// connection wrapper); it only interprets the message stream.
//
// Grounded on the inline backend-reply parsing in pg_relay.go's
// relayPGTransactionMode loop, generalized into named events instead
// of switch statements scattered across the relay function.
type BackendSession struct {
	Handle Handle

	State     BackendState
	TxStatus  wire.TransactionStatus
	PID       uint32
	SecretKey uint32
	Params    map[string]string

	// Dirty is set whenever a message leaves the backend in a state
	// that requires a reset (DISCARD ALL) before it can be returned to
	// the pool: a non-idle transaction status, a session-level SET, a
	// LISTEN registration, or a named prepared statement/portal that must not
	// leak to the next session borrowing this connection.
	Dirty bool

	// PendingSyncs counts Sync messages sent to the backend that have
	// not yet been matched by a ReadyForQuery. The extended-query
	// protocol allows pipelining multiple Parse/Bind/Execute/Sync
	// groups before reading replies; a client session must not be
	// considered caught up with its backend until this reaches zero.
	PendingSyncs int
}

// NewBackendSession creates a BackendSession in the connecting state.
func NewBackendSession(h Handle) *BackendSession {
	return &BackendSession{
		Handle: h,
		State:  BackendConnecting,
		Params: make(map[string]string),
	}
}

// BackendEvent is the interpreted result of one backend message,
// returned by Observe for the client session (or pool reset logic) to
// act on without re-deriving it from the raw tag.
type BackendEvent int

const (
	EventNone BackendEvent = iota
	EventAuthRequest
	EventAuthOK
	EventParameterStatus
	EventBackendKeyData
	EventReadyForQuery
	EventErrorResponse
	EventNoticeResponse
	EventCopyInResponse
	EventCopyOutResponse
	EventCopyBothResponse
	EventCopyDone
	EventRowData // RowDescription, DataRow, CommandComplete, EmptyQueryResponse, etc.
)

// Observe interprets one backend message, updates b's state, and
// reports which event it was.
func (b *BackendSession) Observe(msg wire.Message) (BackendEvent, error) {
	if !msg.HasTag {
		return EventNone, &StateError{Msg: "backend message missing tag"}
	}

	switch msg.Tag {
	case wire.TagAuthentication:
		if len(msg.Body) >= 4 && allZero(msg.Body[:4]) {
			b.State = BackendReady
			return EventAuthOK, nil
		}
		b.State = BackendAuthenticating
		return EventAuthRequest, nil

	case wire.TagParameterStatus:
		if len(msg.Body) > 0 {
			k, v := splitNulPair(msg.Body)
			b.Params[k] = v
		}
		return EventParameterStatus, nil

	case wire.TagBackendKeyData:
		if len(msg.Body) >= 8 {
			b.PID = beUint32(msg.Body[0:4])
			b.SecretKey = beUint32(msg.Body[4:8])
		}
		return EventBackendKeyData, nil

	case wire.TagReadyForQuery:
		if len(msg.Body) < 1 {
			return EventNone, &StateError{Msg: "ReadyForQuery missing status byte"}
		}
		b.TxStatus = wire.TransactionStatus(msg.Body[0])
		b.State = BackendReady
		if b.PendingSyncs > 0 {
			b.PendingSyncs--
		}
		if b.TxStatus != wire.TxIdle {
			b.Dirty = true
		}
		return EventReadyForQuery, nil

	case wire.TagErrorResponse:
		return EventErrorResponse, nil

	case wire.TagNoticeResponse:
		return EventNoticeResponse, nil

	case wire.TagCopyInResponse:
		b.State = BackendCopyIn
		return EventCopyInResponse, nil

	case wire.TagCopyOutResponse:
		b.State = BackendCopyOut
		return EventCopyOutResponse, nil

	case wire.TagCopyBothResponse:
		b.State = BackendCopyBoth
		return EventCopyBothResponse, nil

	case wire.TagCopyDone:
		b.State = BackendInQuery
		return EventCopyDone, nil

	case wire.TagCommandComplete:
		// A session-level SET or a LISTEN leaves state on the connection
		// that the next session borrowing it must not inherit.
		if tag := string(msg.Body); tag == "SET\x00" || tag == "LISTEN\x00" {
			b.Dirty = true
		}
		return EventRowData, nil

	default:
		return EventRowData, nil
	}
}

// NoteSyncSent records that a Sync message was just forwarded to the
// backend, so the client session can track how many ReadyForQuery
// replies are still outstanding across a pipelined batch.
func (b *BackendSession) NoteSyncSent() {
	b.PendingSyncs++
}

// NoteNamedObject marks the connection dirty when a client creates a
// named prepared statement or portal: per-connection server-side
// objects must not survive this connection being returned to a
// different session's use.
func (b *BackendSession) NoteNamedObject() {
	b.Dirty = true
}

// Clean reports whether the backend is idle, not pinned by a dirty
// session, and eligible to be returned to the pool's idle set as-is
// (no reset query required).
func (b *BackendSession) Clean() bool {
	return b.State == BackendReady && b.TxStatus == wire.TxIdle && !b.Dirty
}

// Reset clears dirty/pending-sync bookkeeping after a successful
// DISCARD ALL (or equivalent reset query) round-trip.
func (b *BackendSession) Reset() {
	b.Dirty = false
	b.PendingSyncs = 0
	b.TxStatus = wire.TxIdle
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func splitNulPair(body []byte) (string, string) {
	for i, c := range body {
		if c == 0 {
			key := string(body[:i])
			rest := body[i+1:]
			for j, c2 := range rest {
				if c2 == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return string(body), ""
}
