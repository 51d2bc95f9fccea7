// Package plugin provides the plugin type registry.
// This file maps plugin names to the constructors of specialised handles.
package plugin

import (
	"sort"
	"sync"
)

// Constructor builds a specialised handle around an already initialised base.
// Implementations embed base and return themselves.
type Constructor func(base *Handle) PluginHandle

var (
	typesMu sync.RWMutex
	types   = make(map[string]Constructor)
)

// Register associates name with ctor. Registering the same name again
// replaces the previous constructor.
func Register(name string, ctor Constructor) {
	typesMu.Lock()
	defer typesMu.Unlock()
	types[name] = ctor
}

// Unregister removes name from the registry.
func Unregister(name string) {
	typesMu.Lock()
	defer typesMu.Unlock()
	delete(types, name)
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, bool) {
	typesMu.RLock()
	defer typesMu.RUnlock()
	ctor, ok := types[name]
	return ctor, ok
}

// Registered returns the registered plugin names in sorted order.
func Registered() []string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the handle for plugin name. Unknown names yield the base
// *Handle. A variant that implements IncomeProcessor or OutcomeProcessor
// takes over those hooks from the base.
func Create(session Session, name, id string, opts ...Option) PluginHandle {
	base := NewHandle(session, name, id, opts...)

	ctor, ok := Lookup(name)
	if !ok || ctor == nil {
		return base
	}

	h := ctor(base)
	if h == nil {
		return base
	}
	if p, ok := h.(IncomeProcessor); ok {
		base.processor = p
	}
	if p, ok := h.(OutcomeProcessor); ok {
		base.outcome = p
	}
	return h
}
