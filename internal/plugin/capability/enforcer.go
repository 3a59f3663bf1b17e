// Package capability provides grant checking for plugin permissions.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "storage.read" matches only the storage read capability
//   - "storage.*" matches "storage.read" and "storage.write"
//   - "query.hooks.**" matches every query hook capability
//   - "**" matches any capability
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer decides which capabilities a plugin's manifest permissions
// grant. The runtime consults it when building a plugin's API surface:
// ungranted namespaces are simply never injected.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// SetGrants configures capabilities for a plugin from its declared
// permissions. All patterns are compiled before any state changes, so a
// bad pattern leaves the enforcer untouched. Calling SetGrants again for
// the same plugin replaces all previous grants.
func (e *Enforcer) SetGrants(pluginID string, permissions []string) error {
	if pluginID == "" {
		return errors.New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(permissions))
	for i, pattern := range permissions {
		if pattern == "" {
			return fmt.Errorf("permission %d: empty pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("permission %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// RemoveGrants unregisters a plugin, removing all its capabilities.
// Safe to call for unknown plugins.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, pluginID)
}

// Grants returns a copy of the patterns granted to a plugin, nil if the
// plugin is not registered.
func (e *Enforcer) Grants(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check returns true if the plugin holds the requested capability.
// Unknown plugins and empty capability names are denied by default.
func (e *Enforcer) Check(pluginID, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, grant := range e.grants[pluginID] {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
