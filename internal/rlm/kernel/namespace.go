package kernel

import (
	"maps"
	"slices"
	"sync"
)

// Namespace is a host kernel's variable table. Values are plain Go values:
// scalars, time.Time, map[string]any and []any. It is safe for concurrent
// use; the containers it holds are not.
type Namespace struct {
	mu      sync.RWMutex
	vars    map[string]any
	version map[string]uint64
	clock   uint64
}

// NewNamespace returns a namespace holding vars. The map is copied; the
// values are not.
func NewNamespace(vars map[string]any) *Namespace {
	n := &Namespace{vars: make(map[string]any, len(vars)), version: make(map[string]uint64, len(vars))}
	for k, v := range vars {
		n.set(k, v)
	}
	return n
}

// Get returns the value bound to name.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

// Set binds name to v.
func (n *Namespace) Set(name string, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.set(name, v)
}

func (n *Namespace) set(name string, v any) {
	n.clock++
	n.vars[name] = v
	n.version[name] = n.clock
}

// Delete removes name.
func (n *Namespace) Delete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.vars, name)
	delete(n.version, name)
}

// Names returns the bound names, sorted.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Sorted(maps.Keys(n.vars))
}

// Vars returns a shallow copy of the table.
func (n *Namespace) Vars() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.vars)
}

// binding is a value together with the version it was set at.
type binding struct {
	value   any
	version uint64
}

func (n *Namespace) bindings() map[string]binding {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]binding, len(n.vars))
	for k, v := range n.vars {
		out[k] = binding{value: v, version: n.version[k]}
	}
	return out
}

// setAt binds name and returns the new version.
func (n *Namespace) setAt(name string, v any) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.set(name, v)
	return n.clock
}
