// Package plugin implements the ordered hook-dispatch mechanism that
// sits between a client session, its bound backend, and the wire. A
// Plugin registers zero or more named hooks; Dispatch walks every
// registered hook for a given point in a fixed, priority-then-
// registration order and folds their Decisions into one outcome.
//
// Grounded on the hook names and Decision taxonomy implied by the
// distilled proxy specification's Design Notes ("a flat ordered table
// of hooks, not virtual calls buried in a class hierarchy") and, for
// the registration shape, on jeroenrinzema/psql-wire's options.go
// functional-options handler table.
package plugin

import (
	"context"
	"fmt"

	"github.com/dbbouncer/pgproxy/internal/session"
	"github.com/dbbouncer/pgproxy/internal/wire"
)

// Hook names a dispatch point in the proxy's message lifecycle.
type Hook string

const (
	OnStartup            Hook = "on_startup"
	OnAuthenticate       Hook = "on_authenticate"
	OnClientMessage      Hook = "on_client_message"
	OnBackendMessage     Hook = "on_backend_message"
	OnParse              Hook = "on_parse"
	OnQuery              Hook = "on_query"
	OnCopyData           Hook = "on_copy_data"
	OnReplicationMessage Hook = "on_replication_message"
	OnBindBackend        Hook = "on_bind_backend"
	OnReleaseBackend     Hook = "on_release_backend"
	OnError              Hook = "on_error"
)

// allHooks lists every Hook in dispatch-table iteration order, used by
// Registry to build one ordered slice per name.
var allHooks = []Hook{
	OnStartup, OnAuthenticate, OnClientMessage, OnBackendMessage,
	OnParse, OnQuery, OnCopyData, OnReplicationMessage,
	OnBindBackend, OnReleaseBackend, OnError,
}

// DecisionKind is the closed sum type a hook returns to steer
// dispatch: forward the message unchanged, replace it, drop it
// silently, respond to the client without involving the backend, or
// fail the session outright.
type DecisionKind int

const (
	Forward DecisionKind = iota
	Replace
	Drop
	Respond
	Fail
)

func (k DecisionKind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Replace:
		return "replace"
	case Drop:
		return "drop"
	case Respond:
		return "respond"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the value a hook returns. Only Replace and Respond carry
// a Message; Fail carries an error explaining why the session must be
// torn down.
type Decision struct {
	Kind    DecisionKind
	Message wire.Message // meaningful for Replace and Respond
	Err     error        // meaningful for Fail
}

// ForwardDecision is the zero-cost "no opinion" result most hooks
// return most of the time.
var ForwardDecision = Decision{Kind: Forward}

// Context is passed to every hook invocation. It carries the session
// state the hook may read (never mutate directly — hooks act only
// through their returned Decision) plus a plugin-scoped key/value
// store for hooks that need to remember something between calls on
// the same session (e.g. a query logger accumulating timing).
type Context struct {
	Ctx     context.Context
	Client  *session.ClientSession
	Backend *session.BackendSession // nil when no backend is bound
	Target  string                  // routing target name this session resolved to
	State   map[string]any          // plugin-private scratch space, keyed by plugin Name()
	Err     error                   // set only for OnError dispatch; the fatal condition being reported
}

// Plugin is the interface every registered plugin implements. A
// plugin need not implement every hook meaningfully — Registry only
// calls the methods corresponding to hooks it registered for, via
// HookFuncs.
type Plugin interface {
	// Name identifies the plugin in logs, metrics, and State lookups.
	Name() string
}

// HookFunc is the signature every hook handler implements, regardless
// of which Hook it's registered under. msg is the zero wire.Message
// for hooks that don't carry a message (OnStartup, OnAuthenticate, OnBindBackend,
// OnReleaseBackend, OnError uses Err on the Context instead).
type HookFunc func(c *Context, msg wire.Message) Decision

// Registration pairs one plugin's handler for one hook with the
// priority used to order it relative to other plugins' handlers for
// the same hook. Lower priority values run first.
type Registration struct {
	Plugin   Plugin
	Hook     Hook
	Priority int
	Func     HookFunc
}

func validateHook(h Hook) error {
	for _, known := range allHooks {
		if known == h {
			return nil
		}
	}
	return fmt.Errorf("plugin: unknown hook %q", h)
}
