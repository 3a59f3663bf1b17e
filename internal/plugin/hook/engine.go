// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/event"
)

// EnabledFunc reports whether a plugin's hooks should run. Disabled
// plugins keep their registrations but are skipped during execution.
type EnabledFunc func(pluginID string) bool

// BeforeResult is the outcome of running the before-query chain.
type BeforeResult struct {
	Context     core.QueryContext
	Cancelled   bool
	Reason      string
	CancelledBy string
}

// Engine executes hook chains. Hooks run sequentially in registration
// order; a failing hook is contained (reported on the bus, treated as a
// no-op) and never fails the query it observes.
type Engine struct {
	registry *Registry
	bus      *event.Bus
	enabled  EnabledFunc
	logger   *slog.Logger
}

// NewEngine creates a hook execution engine. enabled may be nil, in
// which case every registered hook runs.
func NewEngine(registry *Registry, bus *event.Bus, enabled EnabledFunc) *Engine {
	if enabled == nil {
		enabled = func(string) bool { return true }
	}
	return &Engine{
		registry: registry,
		bus:      bus,
		enabled:  enabled,
		logger:   slog.Default().With("component", "hook-engine"),
	}
}

// ExecuteBeforeQueryHooks runs the before-query chain. Each hook
// receives the previous hook's (possibly transformed) context. A hook
// may return {cancel: true, reason} to short-circuit the rest of the
// chain and cancel the query. A hook error is a no-op for that hook
// and never cancels the query.
func (e *Engine) ExecuteBeforeQueryHooks(ctx context.Context, qc core.QueryContext) BeforeResult {
	current := qc
	for _, reg := range e.registry.HooksFor(KindBeforeQuery) {
		if !e.enabled(reg.PluginID) {
			recordHookExecution(reg.PluginID, KindBeforeQuery, StatusSkipped)
			continue
		}

		ret, err := e.invoke(ctx, reg, queryContextToMap(current))
		if err != nil {
			continue
		}
		m, ok := ret.(map[string]any)
		if !ok {
			// Non-map returns (including nil) leave the context as is.
			continue
		}
		if cancel, _ := m["cancel"].(bool); cancel {
			reason, _ := m["reason"].(string)
			recordHookExecution(reg.PluginID, KindBeforeQuery, StatusCancelled)
			return BeforeResult{
				Context:     current,
				Cancelled:   true,
				Reason:      reason,
				CancelledBy: reg.PluginID,
			}
		}
		current = mapToQueryContext(m, current)
	}
	return BeforeResult{Context: current}
}

// ExecuteAfterQueryHooks runs the after-query chain, each hook
// receiving the prior hook's output. On a hook failure the chain
// continues from the last known-good results.
func (e *Engine) ExecuteAfterQueryHooks(ctx context.Context, results core.QueryResults, qc core.QueryContext) core.QueryResults {
	current := results
	contextMap := queryContextToMap(qc)

	for _, reg := range e.registry.HooksFor(KindAfterQuery) {
		if !e.enabled(reg.PluginID) {
			recordHookExecution(reg.PluginID, KindAfterQuery, StatusSkipped)
			continue
		}

		ret, err := e.invoke(ctx, reg, queryResultsToMap(current), contextMap)
		if err != nil {
			continue
		}
		if m, ok := ret.(map[string]any); ok {
			current = mapToQueryResults(m, current)
		}
	}
	return current
}

// ExecuteQueryErrorHooks notifies error observers. Return values are
// ignored; failures are contained like every other hook.
func (e *Engine) ExecuteQueryErrorHooks(ctx context.Context, qe core.QueryError) {
	payload := queryErrorToMap(qe)
	for _, reg := range e.registry.HooksFor(KindQueryError) {
		if !e.enabled(reg.PluginID) {
			recordHookExecution(reg.PluginID, KindQueryError, StatusSkipped)
			continue
		}
		_, _ = e.invoke(ctx, reg, payload)
	}
}

// invoke runs one hook with containment: the error is recorded,
// reported on the bus, and returned for the caller to treat the hook
// as a no-op.
func (e *Engine) invoke(ctx context.Context, reg Registration, args ...any) (any, error) {
	start := time.Now()
	ret, err := reg.Callback.Call(ctx, args...)
	recordHookDuration(reg.PluginID, reg.Kind, time.Since(start))

	if err != nil {
		recordHookExecution(reg.PluginID, reg.Kind, StatusError)
		e.logger.Warn("hook failed, continuing chain",
			"plugin", reg.PluginID,
			"kind", string(reg.Kind),
			"error", err)
		if e.bus != nil {
			e.bus.Emit(event.TopicHookError, event.HookError{
				PluginID: reg.PluginID,
				Kind:     string(reg.Kind),
				Err:      err,
			})
		}
		return nil, err
	}

	recordHookExecution(reg.PluginID, reg.Kind, StatusSuccess)
	return ret, nil
}
