// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package hook holds the query lifecycle hook registrations plugins make
// and the engine that executes them around real query dispatch.
package hook

import (
	"sync"

	"github.com/samber/oops"

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// Kind identifies a point in the query lifecycle a hook attaches to.
type Kind string

const (
	KindBeforeQuery Kind = "beforeQuery"
	KindAfterQuery  Kind = "afterQuery"
	KindQueryError  Kind = "onQueryError"
)

// Valid reports whether k is a known hook kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBeforeQuery, KindAfterQuery, KindQueryError:
		return true
	}
	return false
}

// Registration is one plugin callback attached to a hook kind. Ordinal
// is assigned from a single monotonic counter, so sorting any subset of
// registrations by ordinal reproduces global registration order.
type Registration struct {
	ID       string
	PluginID string
	Kind     Kind
	Ordinal  uint64
	Callback sandbox.Callable
}

// Registry stores hook registrations per kind in registration order.
// Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	ordinal uint64
	hooks   map[Kind][]Registration
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Kind][]Registration)}
}

// Register attaches a callback and returns its registration id. Order
// of later execution is the order Register was called in, across all
// plugins.
func (r *Registry) Register(pluginID string, kind Kind, cb sandbox.Callable) (string, error) {
	if pluginID == "" {
		return "", oops.In("hook").New("plugin id cannot be empty")
	}
	if !kind.Valid() {
		return "", oops.In("hook").With("kind", string(kind)).New("unknown hook kind")
	}
	if cb == nil {
		return "", oops.In("hook").With("plugin", pluginID).New("callback cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ordinal++
	reg := Registration{
		ID:       core.NewULID().String(),
		PluginID: pluginID,
		Kind:     kind,
		Ordinal:  r.ordinal,
		Callback: cb,
	}
	r.hooks[kind] = append(r.hooks[kind], reg)
	return reg.ID, nil
}

// Unregister removes a registration by id. Unknown ids are a no-op so
// plugin-held unregister callbacks stay idempotent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for kind, list := range r.hooks {
		for i, reg := range list {
			if reg.ID == id {
				r.hooks[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// RemoveAllForPlugin drops every registration a plugin holds, across
// all kinds. Returns how many were removed.
func (r *Registry) RemoveAllForPlugin(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for kind, list := range r.hooks {
		kept := list[:0]
		for _, reg := range list {
			if reg.PluginID == pluginID {
				removed++
				continue
			}
			kept = append(kept, reg)
		}
		r.hooks[kind] = kept
	}
	return removed
}

// HooksFor returns all registrations of a kind in registration order.
func (r *Registry) HooksFor(kind Kind) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.hooks[kind]
	out := make([]Registration, len(list))
	copy(out, list)
	return out
}

// HooksForPlugin returns one plugin's registrations of a kind in
// registration order.
func (r *Registry) HooksForPlugin(pluginID string, kind Kind) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, reg := range r.hooks[kind] {
		if reg.PluginID == pluginID {
			out = append(out, reg)
		}
	}
	return out
}

// Clear drops all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[Kind][]Registration)
}
