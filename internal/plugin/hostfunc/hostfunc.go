// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package hostfunc builds the capability API surface handed to a plugin
// on activation: a nested map of host functions covering exactly the
// operations the plugin's granted permissions allow. Ungranted
// operations are absent from the map rather than present-but-denied, so
// plugin code cannot distinguish "not permitted" from "not implemented".
//
// Every function is bound to the owning plugin id at build time; plugin
// code never passes or sees its own id.
package hostfunc

import (
	"context"

	"github.com/samber/oops"

	"github.com/querydeck/querydeck/internal/plugin/capability"
	"github.com/querydeck/querydeck/internal/plugin/hook"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
	"github.com/querydeck/querydeck/internal/plugin/ui"
	"github.com/querydeck/querydeck/internal/storage"
)

// Capability names checked against a plugin's grants.
const (
	CapStorageRead     = "storage.read"
	CapStorageWrite    = "storage.write"
	CapUICommands      = "ui.commands"
	CapUINotifications = "ui.notifications"
	CapHooksBefore     = "query.hooks.before"
	CapHooksAfter      = "query.hooks.after"
	CapHooksError      = "query.hooks.error"
)

// Services are the host services the API surface forwards into.
type Services struct {
	Storage *storage.Service
	UI      *ui.Registry
	Hooks   *hook.Registry

	// Active gates hook and command registration: registrations are
	// only accepted while the owning plugin is active. Nil means
	// always active (tests).
	Active func(pluginID string) bool
}

func (s Services) active(pluginID string) bool {
	if s.Active == nil {
		return true
	}
	return s.Active(pluginID)
}

// Build assembles the API surface for one plugin. The returned tree
// contains only the sub-namespaces and operations the enforcer grants;
// a plugin with no grants gets an empty map.
func Build(pluginID string, enforcer *capability.Enforcer, svcs Services) map[string]any {
	api := make(map[string]any)

	if st := buildStorage(pluginID, enforcer, svcs); len(st) > 0 {
		api["storage"] = st
	}
	if u := buildUI(pluginID, enforcer, svcs); len(u) > 0 {
		api["ui"] = u
	}
	if q := buildQuery(pluginID, enforcer, svcs); len(q) > 0 {
		api["query"] = q
	}
	return api
}

func buildStorage(pluginID string, enforcer *capability.Enforcer, svcs Services) map[string]any {
	st := make(map[string]any)

	if enforcer.Check(pluginID, CapStorageRead) {
		st["get"] = sandbox.HostFunc(func(ctx context.Context, args ...any) (any, error) {
			key, err := stringArg(args, 0, "key")
			if err != nil {
				return nil, err
			}
			var def any
			if len(args) > 1 {
				def = args[1]
			}
			return svcs.Storage.Get(ctx, pluginID, key, def)
		})
	}

	if enforcer.Check(pluginID, CapStorageWrite) {
		st["set"] = sandbox.HostFunc(func(ctx context.Context, args ...any) (any, error) {
			key, err := stringArg(args, 0, "key")
			if err != nil {
				return nil, err
			}
			if len(args) < 2 {
				return nil, oops.In("hostfunc").New("set requires a value")
			}
			return nil, svcs.Storage.Set(ctx, pluginID, key, args[1])
		})
		st["delete"] = sandbox.HostFunc(func(ctx context.Context, args ...any) (any, error) {
			key, err := stringArg(args, 0, "key")
			if err != nil {
				return nil, err
			}
			return nil, svcs.Storage.Delete(ctx, pluginID, key)
		})
	}
	return st
}

func buildUI(pluginID string, enforcer *capability.Enforcer, svcs Services) map[string]any {
	u := make(map[string]any)

	if enforcer.Check(pluginID, CapUICommands) {
		u["registerCommand"] = sandbox.HostFunc(func(_ context.Context, args ...any) (any, error) {
			if !svcs.active(pluginID) {
				return nil, oops.In("hostfunc").With("plugin", pluginID).New("plugin is not active")
			}
			name, err := stringArg(args, 0, "name")
			if err != nil {
				return nil, err
			}
			description, _ := argAt(args, 1).(string)
			handler, ok := argAt(args, 2).(sandbox.Callable)
			if !ok {
				// Two-argument form: registerCommand(name, handler).
				handler, ok = argAt(args, 1).(sandbox.Callable)
				if !ok {
					return nil, oops.In("hostfunc").New("registerCommand requires a handler function")
				}
				description = ""
			}

			id, err := svcs.UI.RegisterCommand(pluginID, name, description, handler)
			if err != nil {
				return nil, err
			}
			return func() { svcs.UI.UnregisterCommand(id) }, nil
		})
	}

	if enforcer.Check(pluginID, CapUINotifications) {
		u["showNotification"] = sandbox.HostFunc(func(_ context.Context, args ...any) (any, error) {
			message, err := stringArg(args, 0, "message")
			if err != nil {
				return nil, err
			}
			level, _ := argAt(args, 1).(string)
			_, err = svcs.UI.Notify(pluginID, message, level)
			return nil, err
		})
	}
	return u
}

func buildQuery(pluginID string, enforcer *capability.Enforcer, svcs Services) map[string]any {
	q := make(map[string]any)

	register := func(kind hook.Kind) sandbox.HostFunc {
		return func(_ context.Context, args ...any) (any, error) {
			if !svcs.active(pluginID) {
				return nil, oops.In("hostfunc").With("plugin", pluginID).New("plugin is not active")
			}
			cb, ok := argAt(args, 0).(sandbox.Callable)
			if !ok {
				return nil, oops.In("hostfunc").New("hook registration requires a function")
			}
			id, err := svcs.Hooks.Register(pluginID, kind, cb)
			if err != nil {
				return nil, err
			}
			return func() { svcs.Hooks.Unregister(id) }, nil
		}
	}

	if enforcer.Check(pluginID, CapHooksBefore) {
		q["registerBeforeQueryHook"] = register(hook.KindBeforeQuery)
	}
	if enforcer.Check(pluginID, CapHooksAfter) {
		q["registerAfterQueryHook"] = register(hook.KindAfterQuery)
	}
	if enforcer.Check(pluginID, CapHooksError) {
		q["registerQueryErrorHook"] = register(hook.KindQueryError)
	}
	return q
}

func argAt(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func stringArg(args []any, i int, name string) (string, error) {
	s, ok := argAt(args, i).(string)
	if !ok || s == "" {
		return "", oops.In("hostfunc").With("argument", name).Errorf("%s must be a non-empty string", name)
	}
	return s, nil
}
