// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package hook_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/event"
	"github.com/querydeck/querydeck/internal/plugin/hook"
)

func testQueryContext() core.QueryContext {
	return core.QueryContext{
		Query:        "SELECT 1",
		ConnectionID: "conn-1",
		DBPath:       "/tmp/app.db",
		Timestamp:    time.Now(),
	}
}

func TestEngine_BeforeHooks_ChainInRegistrationOrder(t *testing.T) {
	r := hook.NewRegistry()
	e := hook.NewEngine(r, event.NewBus(), nil)

	// Plugin A prefixes a comment, plugin B sees A's transform.
	_, err := r.Register("a", hook.KindBeforeQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		return map[string]any{"query": "/* audited */ " + m["query"].(string)}, nil
	}))
	require.NoError(t, err)

	var bSaw string
	_, err = r.Register("b", hook.KindBeforeQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		bSaw = m["query"].(string)
		return map[string]any{"query": m["query"].(string) + " -- b"}, nil
	}))
	require.NoError(t, err)

	res := e.ExecuteBeforeQueryHooks(context.Background(), testQueryContext())
	assert.False(t, res.Cancelled)
	assert.Equal(t, "/* audited */ SELECT 1", bSaw)
	assert.Equal(t, "/* audited */ SELECT 1 -- b", res.Context.Query)
}

func TestEngine_BeforeHooks_CancellationShortCircuits(t *testing.T) {
	r := hook.NewRegistry()
	e := hook.NewEngine(r, event.NewBus(), nil)

	_, err := r.Register("guard", hook.KindBeforeQuery, callableFunc(func(context.Context, ...any) (any, error) {
		return map[string]any{"cancel": true, "reason": "dangerous statement"}, nil
	}))
	require.NoError(t, err)

	laterRan := false
	_, err = r.Register("later", hook.KindBeforeQuery, callableFunc(func(context.Context, ...any) (any, error) {
		laterRan = true
		return nil, nil
	}))
	require.NoError(t, err)

	res := e.ExecuteBeforeQueryHooks(context.Background(), testQueryContext())
	assert.True(t, res.Cancelled)
	assert.Equal(t, "dangerous statement", res.Reason)
	assert.Equal(t, "guard", res.CancelledBy)
	assert.False(t, laterRan, "cancellation must short-circuit the chain")
}

func TestEngine_BeforeHooks_ErrorContained(t *testing.T) {
	r := hook.NewRegistry()
	bus := event.NewBus()
	e := hook.NewEngine(r, bus, nil)

	var reported []event.HookError
	bus.Subscribe(event.TopicHookError, func(payload any) {
		reported = append(reported, payload.(event.HookError))
	})

	_, err := r.Register("buggy", hook.KindBeforeQuery, callableFunc(func(context.Context, ...any) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, err)

	laterRan := false
	_, err = r.Register("later", hook.KindBeforeQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		laterRan = true
		m := args[0].(map[string]any)
		assert.Equal(t, "SELECT 1", m["query"], "buggy hook must be a no-op")
		return nil, nil
	}))
	require.NoError(t, err)

	res := e.ExecuteBeforeQueryHooks(context.Background(), testQueryContext())
	assert.False(t, res.Cancelled, "a thrown hook never cancels the query")
	assert.True(t, laterRan, "the rest of the chain still runs")

	require.Len(t, reported, 1)
	assert.Equal(t, "buggy", reported[0].PluginID)
	assert.Equal(t, string(hook.KindBeforeQuery), reported[0].Kind)
}

func TestEngine_BeforeHooks_DisabledPluginSkipped(t *testing.T) {
	r := hook.NewRegistry()
	enabled := map[string]bool{"on": true, "off": false}
	e := hook.NewEngine(r, event.NewBus(), func(id string) bool { return enabled[id] })

	offRan := false
	_, err := r.Register("off", hook.KindBeforeQuery, callableFunc(func(context.Context, ...any) (any, error) {
		offRan = true
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = r.Register("on", hook.KindBeforeQuery, callableFunc(func(context.Context, ...any) (any, error) {
		return map[string]any{"query": "changed"}, nil
	}))
	require.NoError(t, err)

	res := e.ExecuteBeforeQueryHooks(context.Background(), testQueryContext())
	assert.False(t, offRan)
	assert.Equal(t, "changed", res.Context.Query)
}

func TestEngine_AfterHooks_ChainedTransform(t *testing.T) {
	r := hook.NewRegistry()
	e := hook.NewEngine(r, event.NewBus(), nil)

	// Redact, then count: the counter must see redacted rows.
	_, err := r.Register("redactor", hook.KindAfterQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		rows := m["rows"].([]any)
		for _, row := range rows {
			cells := row.([]any)
			cells[1] = "***"
		}
		return m, nil
	}))
	require.NoError(t, err)

	var counterSaw any
	_, err = r.Register("counter", hook.KindAfterQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		counterSaw = m["rows"].([]any)[0].([]any)[1]
		return nil, nil
	}))
	require.NoError(t, err)

	results := core.QueryResults{
		Columns:      []string{"id", "email"},
		Rows:         [][]any{{int64(1), "a@example.com"}},
		RowsAffected: 0,
	}
	final := e.ExecuteAfterQueryHooks(context.Background(), results, testQueryContext())

	assert.Equal(t, "***", counterSaw)
	assert.Equal(t, "***", final.Rows[0][1])
	assert.Equal(t, []string{"id", "email"}, final.Columns)
}

func TestEngine_AfterHooks_FailureKeepsLastKnownGood(t *testing.T) {
	r := hook.NewRegistry()
	e := hook.NewEngine(r, event.NewBus(), nil)

	_, err := r.Register("good", hook.KindAfterQuery, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		m["rowsAffected"] = int64(99)
		return m, nil
	}))
	require.NoError(t, err)

	_, err = r.Register("bad", hook.KindAfterQuery, callableFunc(func(context.Context, ...any) (any, error) {
		return nil, errors.New("boom")
	}))
	require.NoError(t, err)

	final := e.ExecuteAfterQueryHooks(context.Background(), core.QueryResults{}, testQueryContext())
	assert.Equal(t, int64(99), final.RowsAffected, "failure falls back to last known-good value")
}

func TestEngine_ErrorHooks_FireAndForget(t *testing.T) {
	r := hook.NewRegistry()
	e := hook.NewEngine(r, event.NewBus(), nil)

	var seen []string
	_, err := r.Register("observer", hook.KindQueryError, callableFunc(func(_ context.Context, args ...any) (any, error) {
		m := args[0].(map[string]any)
		seen = append(seen, m["message"].(string))
		return "ignored", nil
	}))
	require.NoError(t, err)
	_, err = r.Register("buggy-observer", hook.KindQueryError, callableFunc(func(context.Context, ...any) (any, error) {
		return nil, errors.New("observer broke")
	}))
	require.NoError(t, err)

	e.ExecuteQueryErrorHooks(context.Background(), core.QueryError{
		Message:      "no such table: users",
		Code:         "SQLITE_ERROR",
		Query:        "SELECT * FROM users",
		ConnectionID: "conn-1",
	})
	assert.Equal(t, []string{"no such table: users"}, seen)
}

func TestEngine_NoHooksIsPassThrough(t *testing.T) {
	e := hook.NewEngine(hook.NewRegistry(), event.NewBus(), nil)

	qc := testQueryContext()
	res := e.ExecuteBeforeQueryHooks(context.Background(), qc)
	assert.False(t, res.Cancelled)
	assert.Equal(t, qc.Query, res.Context.Query)

	results := core.QueryResults{Columns: []string{"a"}, RowsAffected: 2}
	assert.Equal(t, results, e.ExecuteAfterQueryHooks(context.Background(), results, qc))
}
