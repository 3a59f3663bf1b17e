// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package plugin

import (
	"sort"
	"sync"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// Instance is a loaded plugin: its descriptor plus everything the
// runtime needs to tear it down again. Instances are owned exclusively
// by the Runtime; callers receiving one must treat it as read-only.
type Instance struct {
	Descriptor Manifest
	Path       string
	State      State
	Limits     sandbox.Limits

	// Engine that evaluated the plugin and the live sandbox handle.
	EngineName string
	Sandbox    sandbox.Context

	// Registration ids the runtime force-removes on unload, whether or
	// not the plugin called its own unregister callbacks.
	HookIDs    []string
	CommandIDs []string
}

// Registry tracks loaded plugin instances by id. Safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add stores an instance. Returns false if the id is already present.
func (r *Registry) Add(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := inst.Descriptor.ID
	if _, exists := r.instances[id]; exists {
		return false
	}
	r.instances[id] = inst
	return true
}

// Get returns the instance for id, nil if not loaded.
func (r *Registry) Get(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id]
}

// Remove deletes and returns the instance for id, nil if not loaded.
func (r *Registry) Remove(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.instances[id]
	delete(r.instances, id)
	return inst
}

// Count returns the number of loaded plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// IDs returns the loaded plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StateOf returns a plugin's lifecycle state, StateUnloaded if the
// plugin is not loaded.
func (r *Registry) StateOf(id string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.instances[id]; ok {
		return inst.State
	}
	return StateUnloaded
}
