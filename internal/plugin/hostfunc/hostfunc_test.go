// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package hostfunc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydeck/querydeck/internal/plugin/capability"
	"github.com/querydeck/querydeck/internal/plugin/hook"
	"github.com/querydeck/querydeck/internal/plugin/hostfunc"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
	"github.com/querydeck/querydeck/internal/plugin/ui"
	"github.com/querydeck/querydeck/internal/storage"
)

type callableFunc func(ctx context.Context, args ...any) (any, error)

func (f callableFunc) Call(ctx context.Context, args ...any) (any, error) {
	return f(ctx, args...)
}

func newServices() hostfunc.Services {
	return hostfunc.Services{
		Storage: storage.NewService(storage.NewMemoryBackend()),
		UI:      ui.NewRegistry(),
		Hooks:   hook.NewRegistry(),
	}
}

func grant(t *testing.T, pluginID string, permissions ...string) *capability.Enforcer {
	t.Helper()
	e := capability.NewEnforcer()
	require.NoError(t, e.SetGrants(pluginID, permissions))
	return e
}

func hostCall(t *testing.T, api map[string]any, ns, op string, args ...any) (any, error) {
	t.Helper()
	sub, ok := api[ns].(map[string]any)
	require.True(t, ok, "namespace %q missing", ns)
	fn, ok := sub[op].(sandbox.HostFunc)
	require.True(t, ok, "operation %q missing", op)
	return fn(context.Background(), args...)
}

func TestBuild_UngrantedNamespacesAbsent(t *testing.T) {
	svcs := newServices()
	enforcer := grant(t, "p1", "storage.read")

	api := hostfunc.Build("p1", enforcer, svcs)

	st, ok := api["storage"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, st, "get")
	assert.NotContains(t, st, "set", "write ops absent without storage.write")
	assert.NotContains(t, st, "delete")
	assert.NotContains(t, api, "ui")
	assert.NotContains(t, api, "query")
}

func TestBuild_NoGrantsYieldsEmptySurface(t *testing.T) {
	api := hostfunc.Build("p1", capability.NewEnforcer(), newServices())
	assert.Empty(t, api)
}

func TestBuild_StorageBoundToOwningPlugin(t *testing.T) {
	svcs := newServices()
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.SetGrants("p1", []string{"storage.*"}))
	require.NoError(t, enforcer.SetGrants("p2", []string{"storage.*"}))

	api1 := hostfunc.Build("p1", enforcer, svcs)
	api2 := hostfunc.Build("p2", enforcer, svcs)

	_, err := hostCall(t, api1, "storage", "set", "secret", "x")
	require.NoError(t, err)

	got, err := hostCall(t, api2, "storage", "get", "secret")
	require.NoError(t, err)
	assert.Nil(t, got, "plugin 2 must not see plugin 1's value")

	got, err = hostCall(t, api1, "storage", "get", "secret")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestBuild_StorageGetDefault(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "storage.read"), svcs)

	got, err := hostCall(t, api, "storage", "get", "missing", int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestBuild_StorageArgValidation(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "storage.**"), svcs)

	_, err := hostCall(t, api, "storage", "get")
	require.Error(t, err)
	_, err = hostCall(t, api, "storage", "set", "key-only")
	require.Error(t, err)
	_, err = hostCall(t, api, "storage", "set", int64(3), "v")
	require.Error(t, err)
}

func TestBuild_RegisterCommandReturnsUnregister(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "ui.commands"), svcs)

	handler := callableFunc(func(context.Context, ...any) (any, error) { return nil, nil })
	ret, err := hostCall(t, api, "ui", "registerCommand", "format-sql", "Format SQL", handler)
	require.NoError(t, err)

	require.Len(t, svcs.UI.Commands(), 1)

	unregister, ok := ret.(func())
	require.True(t, ok, "registration must return an unregister callback")
	unregister()
	assert.Empty(t, svcs.UI.Commands())
}

func TestBuild_RegisterCommandTwoArgForm(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "ui.commands"), svcs)

	handler := callableFunc(func(context.Context, ...any) (any, error) { return nil, nil })
	_, err := hostCall(t, api, "ui", "registerCommand", "fmt", handler)
	require.NoError(t, err)

	cmds := svcs.UI.Commands()
	require.Len(t, cmds, 1)
	assert.Empty(t, cmds[0].Description)
}

func TestBuild_ShowNotification(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "ui.notifications"), svcs)

	_, err := hostCall(t, api, "ui", "showNotification", "done", "info")
	require.NoError(t, err)

	notes := svcs.UI.DrainNotifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "p1", notes[0].PluginID)
	assert.Equal(t, "done", notes[0].Message)
}

func TestBuild_HookRegistration(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "query.hooks.**"), svcs)

	cb := callableFunc(func(context.Context, ...any) (any, error) { return nil, nil })
	ret, err := hostCall(t, api, "query", "registerBeforeQueryHook", cb)
	require.NoError(t, err)
	require.Len(t, svcs.Hooks.HooksForPlugin("p1", hook.KindBeforeQuery), 1)

	unregister, ok := ret.(func())
	require.True(t, ok)
	unregister()
	assert.Empty(t, svcs.Hooks.HooksForPlugin("p1", hook.KindBeforeQuery))

	_, err = hostCall(t, api, "query", "registerAfterQueryHook", cb)
	require.NoError(t, err)
	_, err = hostCall(t, api, "query", "registerQueryErrorHook", cb)
	require.NoError(t, err)
	require.Len(t, svcs.Hooks.HooksForPlugin("p1", hook.KindAfterQuery), 1)
	require.Len(t, svcs.Hooks.HooksForPlugin("p1", hook.KindQueryError), 1)
}

func TestBuild_PartialHookGrants(t *testing.T) {
	svcs := newServices()
	api := hostfunc.Build("p1", grant(t, "p1", "query.hooks.before"), svcs)

	q, ok := api["query"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, q, "registerBeforeQueryHook")
	assert.NotContains(t, q, "registerAfterQueryHook")
	assert.NotContains(t, q, "registerQueryErrorHook")
}

func TestBuild_InactivePluginCannotRegister(t *testing.T) {
	svcs := newServices()
	svcs.Active = func(string) bool { return false }
	api := hostfunc.Build("p1", grant(t, "p1", "query.hooks.before", "ui.commands"), svcs)

	cb := callableFunc(func(context.Context, ...any) (any, error) { return nil, nil })
	_, err := hostCall(t, api, "query", "registerBeforeQueryHook", cb)
	require.Error(t, err)

	_, err = hostCall(t, api, "ui", "registerCommand", "fmt", cb)
	require.Error(t, err)
	assert.Empty(t, svcs.Hooks.HooksForPlugin("p1", hook.KindBeforeQuery))
	assert.Empty(t, svcs.UI.Commands())
}
