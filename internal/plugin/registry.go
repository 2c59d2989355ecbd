package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the ordered hook table. Registration happens at
// startup, before any session is served; Freeze locks the table so
// Dispatch never has to take a lock on the hot path.
type Registry struct {
	mu     sync.Mutex
	frozen bool
	byHook map[Hook][]Registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byHook: make(map[Hook][]Registration)}
}

// Register adds one hook handler for a plugin. Panics if called after
// Freeze — plugin registration is a startup-time concern, not
// something the hot path needs to guard against.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("plugin: Register(%s, %s) called after Freeze", reg.Plugin.Name(), reg.Hook))
	}
	if err := validateHook(reg.Hook); err != nil {
		panic(err.Error())
	}
	if reg.Func == nil {
		panic(fmt.Sprintf("plugin: Register(%s, %s) with nil Func", reg.Plugin.Name(), reg.Hook))
	}
	r.byHook[reg.Hook] = append(r.byHook[reg.Hook], reg)
}

// Freeze sorts every hook's registrations by (priority, registration
// order) and prevents further Register calls. Dispatch panics if
// called before Freeze, to catch startup-sequencing mistakes early.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hook, regs := range r.byHook {
		sort.SliceStable(regs, func(i, j int) bool {
			return regs[i].Priority < regs[j].Priority
		})
		r.byHook[hook] = regs
	}
	r.frozen = true
}

// handlers returns the ordered registrations for hook. Safe to call
// concurrently only after Freeze.
func (r *Registry) handlers(hook Hook) []Registration {
	if !r.frozen {
		panic("plugin: Dispatch called on a Registry that has not been Frozen")
	}
	return r.byHook[hook]
}

// Count reports how many handlers are registered for hook, mainly for
// metrics and tests.
func (r *Registry) Count(hook Hook) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHook[hook])
}
