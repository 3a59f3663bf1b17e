// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package ui tracks the UI affordances plugins register: command
// palette entries and notifications. The host UI reads from here; the
// runtime bulk-removes a plugin's entries on unload or crash so no
// affordance survives its owner.
package ui

import (
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// Notification levels accepted from plugins. Anything else is coerced
// to LevelInfo.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Command is a command palette entry owned by a plugin. Handler is the
// plugin function to invoke when the user runs the command.
type Command struct {
	ID          string
	PluginID    string
	Name        string
	Description string
	Handler     sandbox.Callable
}

// Notification is a transient message a plugin asked the host UI to
// display. Notifications queue until the UI drains them.
type Notification struct {
	ID        string
	PluginID  string
	Message   string
	Level     string
	Timestamp time.Time
}

// Registry tracks plugin UI registrations. Safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	commands      []Command
	notifications []Notification
}

// NewRegistry creates an empty UI registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterCommand adds a command and returns its registration id. The
// (plugin, name) pair must be unique; re-registering an existing name
// is an error so a plugin cannot shadow its own commands.
func (r *Registry) RegisterCommand(pluginID, name, description string, handler sandbox.Callable) (string, error) {
	if pluginID == "" {
		return "", oops.In("ui").New("plugin id cannot be empty")
	}
	if name == "" {
		return "", oops.In("ui").With("plugin", pluginID).New("command name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cmd := range r.commands {
		if cmd.PluginID == pluginID && cmd.Name == name {
			return "", oops.In("ui").
				With("plugin", pluginID).
				With("command", name).
				New("command already registered")
		}
	}

	id := core.NewULID().String()
	r.commands = append(r.commands, Command{
		ID:          id,
		PluginID:    pluginID,
		Name:        name,
		Description: description,
		Handler:     handler,
	})
	return id, nil
}

// UnregisterCommand removes a command by registration id. Unknown ids
// are a no-op, so a plugin's own unregister callback stays idempotent.
func (r *Registry) UnregisterCommand(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cmd := range r.commands {
		if cmd.ID == id {
			r.commands = append(r.commands[:i], r.commands[i+1:]...)
			return
		}
	}
}

// Commands returns all registered commands in registration order.
func (r *Registry) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// CommandsForPlugin returns a plugin's commands in registration order.
func (r *Registry) CommandsForPlugin(pluginID string) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Command
	for _, cmd := range r.commands {
		if cmd.PluginID == pluginID {
			out = append(out, cmd)
		}
	}
	return out
}

// Notify queues a notification for the host UI and returns its id.
func (r *Registry) Notify(pluginID, message, level string) (string, error) {
	if pluginID == "" {
		return "", oops.In("ui").New("plugin id cannot be empty")
	}
	switch level {
	case LevelInfo, LevelWarning, LevelError:
	default:
		level = LevelInfo
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := core.NewULID().String()
	r.notifications = append(r.notifications, Notification{
		ID:        id,
		PluginID:  pluginID,
		Message:   message,
		Level:     level,
		Timestamp: time.Now(),
	})
	return id, nil
}

// DrainNotifications returns all queued notifications in arrival order
// and empties the queue.
func (r *Registry) DrainNotifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.notifications
	r.notifications = nil
	return out
}

// UnregisterAllForPlugin removes every command and queued notification
// owned by a plugin. Returns the number of commands removed.
func (r *Registry) UnregisterAllForPlugin(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	kept := r.commands[:0]
	for _, cmd := range r.commands {
		if cmd.PluginID == pluginID {
			removed++
			continue
		}
		kept = append(kept, cmd)
	}
	r.commands = kept

	keptNotes := r.notifications[:0]
	for _, n := range r.notifications {
		if n.PluginID != pluginID {
			keptNotes = append(keptNotes, n)
		}
	}
	r.notifications = keptNotes

	return removed
}

// Clear removes everything. Used on full runtime teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
	r.notifications = nil
}
