// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/event"
	"github.com/querydeck/querydeck/internal/plugin/capability"
	"github.com/querydeck/querydeck/internal/plugin/hook"
	"github.com/querydeck/querydeck/internal/plugin/hostfunc"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
	"github.com/querydeck/querydeck/internal/plugin/ui"
	"github.com/querydeck/querydeck/internal/storage"
)

// Error codes LoadPlugin reports, beyond the sandbox codes it passes
// through (COMPILE_ERROR, MEMORY_LIMIT_EXCEEDED, TIMEOUT_EXCEEDED).
const (
	CodeActivationFailed  = "ACTIVATION_FAILED"
	CodeInvalidManifest   = "INVALID_MANIFEST"
	CodeAlreadyLoaded     = "ALREADY_LOADED"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
)

// activateExport is the function every plugin must export. It receives
// the capability API surface as its single argument.
const activateExport = "activate"

// LoadResult is the structured outcome of a load attempt. LoadPlugin
// never returns a Go error; failures are values so a bad plugin cannot
// distinguish itself from a rejected one by control flow.
type LoadResult struct {
	Success   bool
	ErrorCode string
	Err       error
}

// Options configures a Runtime.
type Options struct {
	Storage *storage.Service
	Bus     *event.Bus
	Engines []sandbox.Engine

	// DefaultLimits apply when neither the manifest nor the load call
	// overrides them. Zero fields fall back to the sandbox defaults.
	DefaultLimits sandbox.Limits
}

// Runtime orchestrates the plugin lifecycle: load, activate, wire
// capabilities and hooks, track state, contain crashes, unload. It
// stays fully usable after any number of failed or crashing loads.
type Runtime struct {
	mu sync.Mutex

	engines  map[Type]sandbox.Engine
	enforcer *capability.Enforcer
	storage  *storage.Service
	uiReg    *ui.Registry
	hookReg  *hook.Registry
	hookEng  *hook.Engine
	bus      *event.Bus
	registry *Registry
	defaults sandbox.Limits
	logger   *slog.Logger

	// activating holds the plugin currently in its activate call, so
	// its registrations pass the active gate before the instance is
	// visible in the registry.
	activating string

	closed bool
}

// NewRuntime creates a plugin runtime. The engine for a manifest type
// must be present in opts.Engines or loads of that type fail with
// ENGINE_UNAVAILABLE.
func NewRuntime(opts Options) *Runtime {
	bus := opts.Bus
	if bus == nil {
		bus = event.NewBus()
	}

	r := &Runtime{
		engines:  make(map[Type]sandbox.Engine),
		enforcer: capability.NewEnforcer(),
		storage:  opts.Storage,
		uiReg:    ui.NewRegistry(),
		hookReg:  hook.NewRegistry(),
		bus:      bus,
		registry: NewRegistry(),
		defaults: opts.DefaultLimits.WithDefaults(),
		logger:   slog.Default().With("component", "plugin-runtime"),
	}
	for _, e := range opts.Engines {
		r.engines[Type(e.Name())] = e
	}
	r.hookEng = hook.NewEngine(r.hookReg, bus, func(id string) bool {
		return r.registry.StateOf(id) == StateEnabled
	})
	return r
}

// Bus returns the event bus lifecycle and hook failures are published
// on.
func (r *Runtime) Bus() *event.Bus { return r.bus }

// UI returns the UI registry, read by the host to render plugin
// commands and notifications.
func (r *Runtime) UI() *ui.Registry { return r.uiReg }

// Hooks returns the hook registry. Read-only for callers; plugins
// register through their capability surface.
func (r *Runtime) Hooks() *hook.Registry { return r.hookReg }

// IsAvailable reports whether the runtime can load plugins.
func (r *Runtime) IsAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && len(r.engines) > 0
}

// IsHardIsolationAvailable reports whether the engine for a plugin
// type enforces memory limits, not just timeouts. Hosts surface this
// so users know which plugins run with degraded isolation.
func (r *Runtime) IsHardIsolationAvailable(t Type) bool {
	e, ok := r.engines[t]
	return ok && e.HardIsolation()
}

// GetPlugin returns the loaded instance for id, nil if not loaded.
func (r *Runtime) GetPlugin(id string) *Instance {
	return r.registry.Get(id)
}

// LoadedCount returns the number of loaded plugins.
func (r *Runtime) LoadedCount() int {
	return r.registry.Count()
}

// LoadedIDs returns the ids of loaded plugins, sorted.
func (r *Runtime) LoadedIDs() []string {
	return r.registry.IDs()
}

// LoadPlugin loads and activates a plugin. Any failure discards the
// half-built instance atomically: no hook, command, or capability
// registration survives, and the loaded-plugin count is unchanged.
func (r *Runtime) LoadPlugin(ctx context.Context, manifest Manifest, code, path string, override *LimitsConfig) LoadResult {
	res := r.loadPlugin(ctx, manifest, code, path, override)
	if res.Success {
		r.bus.Emit(event.TopicPluginLoaded, event.PluginStatus{PluginID: manifest.ID})
	} else {
		r.logger.Warn("plugin load failed",
			"plugin", manifest.ID,
			"code", res.ErrorCode,
			"error", res.Err)
	}
	return res
}

func (r *Runtime) loadPlugin(ctx context.Context, manifest Manifest, code, path string, override *LimitsConfig) LoadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return failure(CodeEngineUnavailable, oops.In("runtime").New("runtime is closed"))
	}

	if err := manifest.Validate(); err != nil {
		return failure(CodeInvalidManifest, oops.In("runtime").Wrapf(err, "invalid manifest"))
	}

	if r.registry.Get(manifest.ID) != nil {
		return failure(CodeAlreadyLoaded, oops.In("runtime").
			With("plugin", manifest.ID).
			New("plugin is already loaded"))
	}

	engine, ok := r.engines[manifest.Type]
	if !ok {
		return failure(CodeEngineUnavailable, oops.In("runtime").
			With("plugin", manifest.ID).
			With("type", string(manifest.Type)).
			New("no engine for plugin type"))
	}

	limits := resolveLimits(r.defaults, manifest.Limits, override)

	if err := r.enforcer.SetGrants(manifest.ID, manifest.Permissions); err != nil {
		return failure(CodeInvalidManifest, oops.In("runtime").
			With("plugin", manifest.ID).
			Wrapf(err, "invalid permissions"))
	}

	inst := &Instance{
		Descriptor: manifest,
		Path:       path,
		State:      StateUnloaded,
		Limits:     limits,
		EngineName: engine.Name(),
	}
	_ = inst.transition(StateLoading)

	sbx, err := engine.Create(ctx, manifest.ID, code, limits)
	if err != nil {
		r.rollback(manifest.ID, nil)
		return failure(errorCode(err, CodeActivationFailed), err)
	}
	inst.Sandbox = sbx

	if !sbx.HasExport(activateExport) {
		r.rollback(manifest.ID, sbx)
		return failure(CodeActivationFailed, oops.In("runtime").
			With("plugin", manifest.ID).
			Errorf("plugin does not export %q", activateExport))
	}

	// Registrations made inside activate pass the active gate via
	// r.activating; the instance is not yet in the registry.
	api := hostfunc.Build(manifest.ID, r.enforcer, r.services())
	r.activating = manifest.ID
	_, err = sbx.InvokeExport(ctx, activateExport, api)
	r.activating = ""
	if err != nil {
		r.rollback(manifest.ID, sbx)
		return failure(errorCode(err, CodeActivationFailed), oops.In("runtime").
			With("plugin", manifest.ID).
			Wrapf(err, "activation failed"))
	}

	_ = inst.transition(StateActivated)
	_ = inst.transition(StateEnabled)
	inst.HookIDs = r.hookIDsFor(manifest.ID)
	inst.CommandIDs = r.commandIDsFor(manifest.ID)
	r.registry.Add(inst)

	if !engine.HardIsolation() {
		r.logger.Warn("plugin loaded with degraded isolation",
			"plugin", manifest.ID,
			"engine", engine.Name())
	}

	return LoadResult{Success: true}
}

// Enable re-enables a disabled plugin's hooks.
func (r *Runtime) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.registry.Get(id)
	if inst == nil {
		return oops.In("runtime").With("plugin", id).New("plugin is not loaded")
	}
	if inst.State == StateEnabled {
		return nil
	}
	return inst.transition(StateEnabled)
}

// Disable suspends a plugin: its hooks are skipped during execution
// but stay registered. Reversible with Enable.
func (r *Runtime) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.registry.Get(id)
	if inst == nil {
		return oops.In("runtime").With("plugin", id).New("plugin is not loaded")
	}
	if inst.State == StateDisabled {
		return nil
	}
	return inst.transition(StateDisabled)
}

// Unload disposes a plugin's sandbox and force-unregisters everything
// it registered, whether or not the plugin called its own unregister
// callbacks. Unloading an unknown plugin is a no-op.
func (r *Runtime) Unload(id string) {
	r.mu.Lock()
	inst := r.registry.Remove(id)
	if inst == nil {
		r.mu.Unlock()
		return
	}
	_ = inst.transition(StateUnloaded)
	r.rollback(id, inst.Sandbox)
	r.mu.Unlock()

	r.bus.Emit(event.TopicPluginUnloaded, event.PluginStatus{PluginID: id})
}

// Uninstall unloads a plugin and purges its storage namespace so no
// orphaned keys remain.
func (r *Runtime) Uninstall(ctx context.Context, id string) error {
	r.Unload(id)
	if r.storage == nil {
		return nil
	}
	_, err := r.storage.PurgeNamespace(ctx, id)
	return err
}

// Clear tears down every plugin and drops all registrations.
func (r *Runtime) Clear() {
	for _, id := range r.registry.IDs() {
		r.Unload(id)
	}

	r.mu.Lock()
	r.hookReg.Clear()
	r.uiReg.Clear()
	r.mu.Unlock()
}

// Close clears all plugins and refuses further loads.
func (r *Runtime) Close() {
	r.Clear()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// ExecuteBeforeQueryHooks runs the before-query chain. Invoked by the
// host immediately before real query dispatch.
func (r *Runtime) ExecuteBeforeQueryHooks(ctx context.Context, qc core.QueryContext) hook.BeforeResult {
	return r.hookEng.ExecuteBeforeQueryHooks(ctx, qc)
}

// ExecuteAfterQueryHooks runs the after-query chain.
func (r *Runtime) ExecuteAfterQueryHooks(ctx context.Context, results core.QueryResults, qc core.QueryContext) core.QueryResults {
	return r.hookEng.ExecuteAfterQueryHooks(ctx, results, qc)
}

// ExecuteQueryErrorHooks notifies error observers of a failed query.
func (r *Runtime) ExecuteQueryErrorHooks(ctx context.Context, qe core.QueryError) {
	r.hookEng.ExecuteQueryErrorHooks(ctx, qe)
}

// InvokeCommand runs a plugin command handler by registration id. A
// handler that exhausts its resource limits marks the owning plugin
// crashed; an ordinary handler error is returned as is.
func (r *Runtime) InvokeCommand(ctx context.Context, commandID string, args ...any) (any, error) {
	var cmd *ui.Command
	for _, c := range r.uiReg.Commands() {
		if c.ID == commandID {
			cmd = &c
			break
		}
	}
	if cmd == nil {
		return nil, oops.In("runtime").With("command", commandID).New("unknown command")
	}
	if r.registry.StateOf(cmd.PluginID) != StateEnabled {
		return nil, oops.In("runtime").
			With("plugin", cmd.PluginID).
			New("plugin is not enabled")
	}

	ret, err := cmd.Handler.Call(ctx, args...)
	if err != nil && isResourceExhaustion(err) {
		r.markCrashed(cmd.PluginID, err)
	}
	return ret, err
}

// markCrashed contains a plugin whose sandbox blew its resource
// limits: registrations are removed and the sandbox disposed, but the
// instance stays in the registry in the crashed state so the host can
// report it. Other plugins are unaffected.
func (r *Runtime) markCrashed(id string, cause error) {
	r.mu.Lock()
	inst := r.registry.Get(id)
	if inst == nil || inst.State == StateCrashed {
		r.mu.Unlock()
		return
	}
	_ = inst.transition(StateCrashed)
	r.rollback(id, inst.Sandbox)
	inst.Sandbox = nil
	r.mu.Unlock()

	r.logger.Error("plugin crashed", "plugin", id, "error", cause)
	r.bus.Emit(event.TopicPluginCrashed, event.PluginStatus{PluginID: id, Err: cause})
}

// rollback removes every trace of a plugin's registrations and
// disposes its sandbox. Caller holds r.mu.
func (r *Runtime) rollback(id string, sbx sandbox.Context) {
	r.hookReg.RemoveAllForPlugin(id)
	r.uiReg.UnregisterAllForPlugin(id)
	r.enforcer.RemoveGrants(id)
	if sbx != nil {
		sbx.Dispose()
	}
}

// services builds the host service set handed to hostfunc.Build.
func (r *Runtime) services() hostfunc.Services {
	return hostfunc.Services{
		Storage: r.storage,
		UI:      r.uiReg,
		Hooks:   r.hookReg,
		Active: func(id string) bool {
			if id == r.activating {
				return true
			}
			switch r.registry.StateOf(id) {
			case StateActivated, StateEnabled, StateDisabled:
				return true
			}
			return false
		},
	}
}

func (r *Runtime) hookIDsFor(id string) []string {
	var ids []string
	for _, kind := range []hook.Kind{hook.KindBeforeQuery, hook.KindAfterQuery, hook.KindQueryError} {
		for _, reg := range r.hookReg.HooksForPlugin(id, kind) {
			ids = append(ids, reg.ID)
		}
	}
	return ids
}

func (r *Runtime) commandIDsFor(id string) []string {
	var ids []string
	for _, cmd := range r.uiReg.CommandsForPlugin(id) {
		ids = append(ids, cmd.ID)
	}
	return ids
}

// resolveLimits layers the manifest's limits and the per-load override
// over the runtime defaults.
func resolveLimits(defaults sandbox.Limits, manifest, override *LimitsConfig) sandbox.Limits {
	limits := defaults
	for _, cfg := range []*LimitsConfig{manifest, override} {
		if cfg == nil {
			continue
		}
		if cfg.MemoryLimitMB > 0 {
			limits.MemoryLimitMB = cfg.MemoryLimitMB
		}
		if cfg.TimeoutMs > 0 {
			limits.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
	}
	return limits
}

func failure(code string, err error) LoadResult {
	return LoadResult{ErrorCode: code, Err: err}
}

// errorCode extracts the sandbox error code, falling back when the
// error carries none or carries a code that is not a load-time code.
func errorCode(err error, fallback string) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return fallback
	}
	code, ok := oopsErr.Code().(string)
	if !ok {
		return fallback
	}
	switch code {
	case sandbox.CodeCompileError, sandbox.CodeMemoryLimitExceeded, sandbox.CodeTimeoutExceeded:
		return code
	}
	return fallback
}

func isResourceExhaustion(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	switch oopsErr.Code() {
	case sandbox.CodeMemoryLimitExceeded, sandbox.CodeTimeoutExceeded:
		return true
	}
	return false
}
