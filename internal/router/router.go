// Package router resolves a client's requested backend target (by
// name, normally the StartupMessage "database" parameter) to the
// configuration the pool manager needs to dial it, and tracks
// per-target pause state for the admin API.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/pgproxy/internal/config"
)

// routerSnapshot is an immutable point-in-time view of the routing table.
// Stored in atomic.Value for lock-free reads on the hot path.
type routerSnapshot struct {
	targets  map[string]config.TargetConfig
	defaults config.PoolDefaults
	paused   map[string]bool
}

// Router resolves target names to their database configurations.
// Resolve() and IsPaused() are lock-free via atomic.Value.
// Mutations serialize on a write mutex and swap in a new snapshot.
type Router struct {
	snap atomic.Value // holds *routerSnapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a new Router populated from the given config.
func New(cfg *config.Config) *Router {
	snap := &routerSnapshot{
		targets:  make(map[string]config.TargetConfig, len(cfg.Targets)),
		defaults: cfg.Pool,
		paused:   make(map[string]bool),
	}
	for name, tc := range cfg.Targets {
		snap.targets[name] = tc
	}

	r := &Router{}
	r.snap.Store(snap)
	return r
}

// load returns the current immutable snapshot (lock-free).
func (r *Router) load() *routerSnapshot {
	return r.snap.Load().(*routerSnapshot)
}

// cloneSnap returns a mutable deep copy of the current snapshot.
// Must be called with wmu held.
func (r *Router) cloneSnap() *routerSnapshot {
	cur := r.load()
	newTargets := make(map[string]config.TargetConfig, len(cur.targets))
	for name, tc := range cur.targets {
		newTargets[name] = tc
	}
	newPaused := make(map[string]bool, len(cur.paused))
	for name, v := range cur.paused {
		newPaused[name] = v
	}
	return &routerSnapshot{
		targets:  newTargets,
		defaults: cur.defaults,
		paused:   newPaused,
	}
}

// Resolve looks up the TargetConfig for the given target name. Lock-free.
func (r *Router) Resolve(target string) (config.TargetConfig, error) {
	snap := r.load()
	tc, ok := snap.targets[target]
	if !ok {
		return config.TargetConfig{}, fmt.Errorf("unknown target: %q", target)
	}
	return tc, nil
}

// AddTarget registers or updates a target configuration.
func (r *Router) AddTarget(target string, tc config.TargetConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	s := r.cloneSnap()
	s.targets[target] = tc
	r.snap.Store(s)
}

// RemoveTarget removes a target from the router.
func (r *Router) RemoveTarget(target string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.targets[target]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.targets, target)
	delete(s.paused, target)
	r.snap.Store(s)
	return true
}

// PauseTarget marks a target as paused. Returns false if target not found.
func (r *Router) PauseTarget(target string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.targets[target]; !ok {
		return false
	}

	s := r.cloneSnap()
	s.paused[target] = true
	r.snap.Store(s)
	return true
}

// ResumeTarget unpauses a target. Returns false if target not found.
func (r *Router) ResumeTarget(target string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.targets[target]; !ok {
		return false
	}

	s := r.cloneSnap()
	delete(s.paused, target)
	r.snap.Store(s)
	return true
}

// IsPaused returns whether a target is currently paused. Lock-free.
func (r *Router) IsPaused(target string) bool {
	return r.load().paused[target]
}

// ListTargets returns all target names and their configs.
func (r *Router) ListTargets() map[string]config.TargetConfig {
	snap := r.load()
	result := make(map[string]config.TargetConfig, len(snap.targets))
	for name, tc := range snap.targets {
		result[name] = tc
	}
	return result
}

// Defaults returns the current pool defaults. Lock-free.
func (r *Router) Defaults() config.PoolDefaults {
	return r.load().defaults
}

// Reload replaces the entire routing table from a new config.
// Preserves paused state for targets that still exist in the new config.
func (r *Router) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	newTargets := make(map[string]config.TargetConfig, len(cfg.Targets))
	for name, tc := range cfg.Targets {
		newTargets[name] = tc
	}

	// Carry over paused state for targets that still exist
	newPaused := make(map[string]bool)
	for name, v := range cur.paused {
		if _, exists := newTargets[name]; exists {
			newPaused[name] = v
		}
	}

	r.snap.Store(&routerSnapshot{
		targets:  newTargets,
		defaults: cfg.Pool,
		paused:   newPaused,
	})
}
