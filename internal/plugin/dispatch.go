package plugin

import "github.com/dbbouncer/pgproxy/internal/wire"

// Dispatch runs every handler registered for hook, in priority order,
// against msg. Each handler sees the message as left by the previous
// handler: a Replace decision updates the message passed to the next
// handler in line, so plugins compose rather than race. The first
// handler to return Drop, Respond, or Fail stops the chain — later
// handlers never see a message that's already been dropped, answered,
// or aborted.
//
// The returned Decision is what the caller (the session loop) acts
// on: Forward/Replace both mean "send msg.Message (or msg's default)
// to the backend/client"; Drop means "do not forward, do not respond,
// continue reading"; Respond means "write Message to the client and
// do not forward to the backend"; Fail means "tear down the session".
func Dispatch(r *Registry, hook Hook, c *Context, msg wire.Message) (wire.Message, Decision) {
	current := msg
	for _, reg := range r.handlers(hook) {
		d := reg.Func(c, current)
		switch d.Kind {
		case Forward:
			continue
		case Replace:
			current = d.Message
			continue
		case Drop, Respond, Fail:
			return current, d
		default:
			continue
		}
	}
	return current, ForwardDecision
}

// DispatchAll is like Dispatch but for hooks that carry no message
// (OnStartup, OnAuthenticate, OnBindBackend, OnReleaseBackend,
// OnError). It still honors Fail to allow any of those hooks to abort
// the session, but Replace/Respond/Drop have no meaning here and are
// treated as Forward.
func DispatchAll(r *Registry, hook Hook, c *Context) Decision {
	for _, reg := range r.handlers(hook) {
		d := reg.Func(c, wire.Message{})
		if d.Kind == Fail {
			return d
		}
	}
	return ForwardDecision
}
