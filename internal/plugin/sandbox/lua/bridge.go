package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// toLua converts a neutral host value into a Lua value bound to the
// given context. Host functions and unregister closures become callable
// Lua functions whose errors surface as catchable Lua errors.
func (c *Context) toLua(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := c.state.NewTable()
		for i, item := range val {
			t.RawSetInt(i+1, c.toLua(item))
		}
		return t
	case map[string]any:
		t := c.state.NewTable()
		for k, item := range val {
			t.RawSetString(k, c.toLua(item))
		}
		return t
	case sandbox.HostFunc:
		return c.state.NewFunction(c.wrapHostFunc(val))
	case func():
		return c.state.NewFunction(func(_ *lua.LState) int {
			val()
			return 0
		})
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// wrapHostFunc bridges a HostFunc into a Lua function. Arguments cross
// the boundary through the neutral value model; a HostFunc error is
// raised as a Lua error so plugin code can pcall around it and a bare
// failure stays contained in the invocation that caused it.
func (c *Context) wrapHostFunc(hf sandbox.HostFunc) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]any, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			args[i-1] = c.toGo(L.Get(i))
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		ret, err := hf(ctx, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(c.toLua(ret))
		return 1
	}
}

// toGo converts a Lua value into the neutral value model. Plugin
// functions become Callables that re-enter this context under its
// limits.
func (c *Context) toGo(lv lua.LValue) any {
	return c.toGoVisited(lv, make(map[*lua.LTable]bool))
}

func (c *Context) toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case *lua.LNilType, nil:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LFunction:
		return &callable{ctx: c, fn: v}
	case *lua.LTable:
		if visited[v] {
			return nil // break reference cycles
		}
		visited[v] = true
		return c.tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo converts a table to a []any when it is a contiguous
// 1-indexed array, a map[string]any otherwise.
func (c *Context) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := t.MaxN()
	if maxN > 0 {
		count := 0
		t.ForEach(func(_, _ lua.LValue) { count++ })
		if count == maxN {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = c.toGoVisited(t.RawGetInt(i), visited)
			}
			return arr
		}
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = c.toGoVisited(v, visited)
	})
	return m
}
