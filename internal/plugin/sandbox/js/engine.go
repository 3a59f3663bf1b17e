// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package js provides the goja sandbox engine for JavaScript plugins.
//
// A fresh goja runtime exposes only ECMAScript builtins: no require, no
// filesystem, no host globals. Timeouts are enforced by interrupting the
// interpreter, but goja has no memory accounting, so the engine reports
// degraded isolation and callers must not assume the memory limit holds.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// Compile-time interface checks.
var (
	_ sandbox.Engine  = (*Engine)(nil)
	_ sandbox.Context = (*Context)(nil)
)

// programCacheSize bounds the compiled-program cache. Reloading the same
// plugin source (hot reload, repeated activation) skips recompilation.
const programCacheSize = 128

// maxCallStackDepth caps interpreter recursion regardless of the memory
// limit; runaway recursion surfaces as a resource error, not a crash.
const maxCallStackDepth = 1024

// Engine evaluates plugin code in goja runtimes.
type Engine struct {
	programs *lru.Cache[string, *goja.Program]
}

// NewEngine creates a JavaScript sandbox engine.
func NewEngine() *Engine {
	cache, _ := lru.New[string, *goja.Program](programCacheSize)
	return &Engine{programs: cache}
}

// Name implements sandbox.Engine.
func (e *Engine) Name() string { return "js" }

// HardIsolation implements sandbox.Engine. goja cannot account memory,
// so isolation is degraded: crash containment holds, limits may not.
func (e *Engine) HardIsolation() bool { return false }

// Create compiles and evaluates plugin source in a fresh runtime.
func (e *Engine) Create(ctx context.Context, pluginID, code string, limits sandbox.Limits) (sandbox.Context, error) {
	limits = limits.WithDefaults()

	prog, err := e.compile(code)
	if err != nil {
		return nil, oops.In("js").
			Code(sandbox.CodeCompileError).
			With("plugin", pluginID).
			Wrapf(err, "plugin source does not compile")
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackDepth)

	c := &Context{
		pluginID: pluginID,
		limits:   limits,
		vm:       vm,
	}

	if _, err := c.run(ctx, func() (goja.Value, error) {
		return vm.RunProgram(prog)
	}); err != nil {
		c.Dispose()
		return nil, err
	}
	return c, nil
}

func (e *Engine) compile(code string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(code))
	key := hex.EncodeToString(sum[:])

	if prog, ok := e.programs.Get(key); ok {
		return prog, nil
	}
	prog, err := goja.Compile("plugin.js", code, true)
	if err != nil {
		return nil, err
	}
	e.programs.Add(key, prog)
	return prog, nil
}

// Context is a goja runtime holding one plugin's evaluated code. Entry is
// serialized through a mutex; goja runtimes are not goroutine safe.
type Context struct {
	pluginID string
	limits   sandbox.Limits

	mu       sync.Mutex
	vm       *goja.Runtime
	disposed bool

	// callCtx is the deadline-carrying context of the invocation in
	// flight; host functions called from plugin code receive it. Only
	// touched on the invoking goroutine while mu is held.
	callCtx context.Context
}

// InvokeExport implements sandbox.Context.
func (c *Context) InvokeExport(ctx context.Context, export string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return nil, oops.In("js").With("plugin", c.pluginID).New("context disposed")
	}

	fn, ok := goja.AssertFunction(c.vm.Get(export))
	if !ok {
		return nil, sandbox.ErrNoSuchExport("js", c.pluginID, export)
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
	_, ok := goja.AssertFunction(c.vm.Get(export))
	return ok
}

// Dispose implements sandbox.Context. goja runtimes are garbage
// collected; disposing drops the reference and fences further entry.
func (c *Context) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
}

// call invokes a JS function under the context's limits. Caller holds c.mu.
func (c *Context) call(ctx context.Context, fn goja.Callable, args []any) (any, error) {
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = c.toJS(a)
	}

	v, err := c.run(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, err
	}
	return c.settle(v)
}

// settle resolves an invocation result. Async exports return promises;
// goja drains the microtask queue before the call stack empties, so any
// promise plugin code alone can produce has already settled by the time
// control returns to the host. A still-pending promise means the plugin
// awaited something that can never resolve, which counts as a failure.
func (c *Context) settle(v goja.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return c.toGo(v), nil
	}

	base := oops.In("js").With("plugin", c.pluginID)
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return c.toGo(p.Result()), nil
	case goja.PromiseStateRejected:
		return nil, base.Code(sandbox.CodePluginThrew).
			Errorf("%s", p.Result().String())
	default:
		return nil, base.Code(sandbox.CodePluginThrew).
			New("async export never settled")
	}
}

// run executes f with an interrupt watchdog attached to the deadline.
func (c *Context) run(ctx context.Context, f func() (goja.Value, error)) (goja.Value, error) {
	cctx, cancel := context.WithTimeout(ctx, c.limits.Timeout)
	defer cancel()

	prev := c.callCtx
	c.callCtx = cctx

	done := make(chan struct{})
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		select {
		case <-cctx.Done():
			c.vm.Interrupt("timeout")
		case <-done:
		}
	}()

	v, err := f()
	close(done)
	cancel()
	<-idle
	// A deadline racing a normal return can leave a pending interrupt
	// that would poison the next invocation.
	c.vm.ClearInterrupt()
	c.callCtx = prev

	if err != nil {
		return nil, c.classify(cctx, err)
	}
	return v, nil
}

// classify maps a raw execution error onto the sandbox taxonomy.
func (c *Context) classify(cctx context.Context, err error) error {
	base := oops.In("js").With("plugin", c.pluginID)

	var interrupted *goja.InterruptedError
	var stackOverflow *goja.StackOverflowError
	var exception *goja.Exception

	switch {
	case errors.As(err, &interrupted) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		return base.Code(sandbox.CodeTimeoutExceeded).
			With("timeout", c.limits.Timeout.String()).
			New("invocation exceeded time limit")
	case errors.As(err, &stackOverflow):
		return base.Code(sandbox.CodeMemoryLimitExceeded).
			New("invocation exceeded call stack limit")
	case errors.As(err, &exception):
		return base.Code(sandbox.CodePluginThrew).
			Errorf("%s", exception.Value().String())
	default:
		return base.Code(sandbox.CodePluginThrew).
			Errorf("%s", err.Error())
	}
}

// callable wraps a JS function the plugin handed to the host.
type callable struct {
	ctx *Context
	fn  goja.Callable
}

// Call implements sandbox.Callable.
func (jc *callable) Call(ctx context.Context, args ...any) (any, error) {
	jc.ctx.mu.Lock()
	defer jc.ctx.mu.Unlock()

	if jc.ctx.disposed {
		return nil, oops.In("js").With("plugin", jc.ctx.pluginID).New("context disposed")
	}
	return jc.ctx.call(ctx, jc.fn, args)
}
