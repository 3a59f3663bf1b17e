// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// Compile-time interface checks.
var (
	_ sandbox.Engine  = (*Engine)(nil)
	_ sandbox.Context = (*Context)(nil)
)

// Engine evaluates plugin code in sandboxed gopher-lua states.
//
// Timeouts are enforced at the instruction boundary via the state's
// context. The registry cap bounds stack and call-frame growth only;
// gopher-lua does not account heap allocations, so the engine reports
// degraded isolation and callers must not assume the memory limit holds.
type Engine struct {
	factory *StateFactory
}

// NewEngine creates a Lua sandbox engine.
func NewEngine() *Engine {
	return &Engine{factory: NewStateFactory()}
}

// Name implements sandbox.Engine.
func (e *Engine) Name() string { return "lua" }

// HardIsolation implements sandbox.Engine. gopher-lua cannot account
// heap memory, so isolation is degraded: crash containment holds,
// limits may not.
func (e *Engine) HardIsolation() bool { return false }

// Create compiles and evaluates plugin source in a fresh sandboxed state.
// The top-level chunk runs under the context's limits; on any failure the
// half-built state is closed before returning.
func (e *Engine) Create(ctx context.Context, pluginID, code string, limits sandbox.Limits) (sandbox.Context, error) {
	limits = limits.WithDefaults()

	L, err := e.factory.NewState(limits)
	if err != nil {
		return nil, oops.In("lua").With("plugin", pluginID).Hint("failed to create state").Wrap(err)
	}

	c := &Context{
		pluginID: pluginID,
		limits:   limits,
		state:    L,
	}

	fn, err := L.LoadString(code)
	if err != nil {
		c.Dispose()
		return nil, oops.In("lua").
			Code(sandbox.CodeCompileError).
			With("plugin", pluginID).
			Wrapf(err, "plugin source does not compile")
	}

	if err := c.eval(ctx, fn); err != nil {
		c.Dispose()
		return nil, err
	}
	return c, nil
}

// Context is a sandboxed Lua state holding one plugin's evaluated code.
// All entry into the state is serialized through a mutex; gopher-lua
// states are not goroutine safe.
type Context struct {
	pluginID string
	limits   sandbox.Limits

	mu       sync.Mutex
	state    *lua.LState
	disposed bool
}

// InvokeExport implements sandbox.Context.
func (c *Context) InvokeExport(ctx context.Context, export string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, oops.In("lua").With("plugin", c.pluginID).New("context disposed")
	}

	fn := c.state.GetGlobal(export)
	if fn.Type() != lua.LTFunction {
		return nil, sandbox.ErrNoSuchExport("lua", c.pluginID, export)
	}
	return c.call(ctx, fn, args)
}

// HasExport implements sandbox.Context.
func (c *Context) HasExport(export string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return false
	}
	return c.state.GetGlobal(export).Type() == lua.LTFunction
}

// Dispose implements sandbox.Context.
func (c *Context) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}
	c.disposed = true
	c.state.Close()
}

// eval runs the compiled top-level chunk under the context's limits.
// Callers must not hold c.mu.
func (c *Context) eval(ctx context.Context, fn *lua.LFunction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.limits.Timeout)
	defer cancel()
	c.state.SetContext(cctx)
	defer c.state.RemoveContext()

	err := c.protect(func() error {
		c.state.Push(fn)
		return c.state.PCall(0, 0, nil)
	})
	if err != nil {
		return c.classify(cctx, err)
	}
	return nil
}

// call invokes a Lua function value under the context's limits. The
// caller must hold c.mu.
func (c *Context) call(ctx context.Context, fn lua.LValue, args []any) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, c.limits.Timeout)
	defer cancel()
	c.state.SetContext(cctx)
	defer c.state.RemoveContext()

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = c.toLua(a)
	}

	err := c.protect(func() error {
		return c.state.CallByParam(lua.P{
			Fn:      fn,
			NRet:    1,
			Protect: true,
		}, largs...)
	})
	if err != nil {
		return nil, c.classify(cctx, err)
	}

	ret := c.state.Get(-1)
	c.state.Pop(1)
	return c.toGo(ret), nil
}

// protect runs fn, converting panics from the Lua VM (registry overflow
// in particular) into errors so a plugin can never take the host down.
func (c *Context) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("%v", v)
			}
		}
	}()
	return fn()
}

// classify maps a raw execution error onto the sandbox taxonomy.
func (c *Context) classify(cctx context.Context, err error) error {
	base := oops.In("lua").With("plugin", c.pluginID)

	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return base.Code(sandbox.CodeTimeoutExceeded).
			With("timeout", c.limits.Timeout.String()).
			New("invocation exceeded time limit")
	case strings.Contains(err.Error(), "registry overflow"):
		return base.Code(sandbox.CodeMemoryLimitExceeded).
			With("memory_limit_mb", c.limits.MemoryLimitMB).
			New("invocation exceeded registry limit")
	default:
		return base.Code(sandbox.CodePluginThrew).
			Errorf("%s", pluginErrorMessage(err))
	}
}

// pluginErrorMessage extracts the plugin-raised message from a gopher-lua
// error without leaking interpreter internals.
func pluginErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object.String()
	}
	return err.Error()
}

// callable wraps a Lua function the plugin handed to the host. Invoking
// it re-enters the owning context under its limits.
type callable struct {
	ctx *Context
	fn  *lua.LFunction
}

// Call implements sandbox.Callable.
func (lc *callable) Call(ctx context.Context, args ...any) (any, error) {
	lc.ctx.mu.Lock()
	defer lc.ctx.mu.Unlock()

	if lc.ctx.disposed {
		return nil, oops.In("lua").With("plugin", lc.ctx.pluginID).New("context disposed")
	}
	return lc.ctx.call(ctx, lc.fn, args)
}
