package js

import (
	"context"
	"strconv"

	"github.com/dop251/goja"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// toJS converts a neutral host value into a goja value. Host functions
// become callable JS functions whose errors surface as catchable
// exceptions.
func (c *Context) toJS(v any) goja.Value {
	switch val := v.(type) {
	case nil:
		return goja.Null()
	case sandbox.HostFunc:
		return c.vm.ToValue(c.wrapHostFunc(val))
	case func():
		return c.vm.ToValue(func(goja.FunctionCall) goja.Value {
			val()
			return goja.Undefined()
		})
	case []any:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = c.toJS(item)
		}
		return c.vm.ToValue(arr)
	case map[string]any:
		obj := c.vm.NewObject()
		for k, item := range val {
			_ = obj.Set(k, c.toJS(item))
		}
		return obj
	default:
		return c.vm.ToValue(val)
	}
}

func (c *Context) wrapHostFunc(hf sandbox.HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = c.toGo(a)
		}

		ctx := c.callCtx
		if ctx == nil {
			ctx = context.Background()
		}
		ret, err := hf(ctx, args...)
		if err != nil {
			panic(c.vm.NewGoError(err))
		}
		return c.toJS(ret)
	}
}

// toGo converts a goja value into the neutral value model. Plugin
// functions become Callables that re-enter this context under its
// limits.
func (c *Context) toGo(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if fn, ok := goja.AssertFunction(v); ok {
		return &callable{ctx: c, fn: fn}
	}
	if obj, ok := v.(*goja.Object); ok {
		if obj.ClassName() == "Array" {
			length := obj.Get("length").ToInteger()
			arr := make([]any, 0, length)
			for i := int64(0); i < length; i++ {
				arr = append(arr, c.toGo(obj.Get(strconv.FormatInt(i, 10))))
			}
			return arr
		}
		m := make(map[string]any)
		for _, k := range obj.Keys() {
			m[k] = c.toGo(obj.Get(k))
		}
		return m
	}
	return normalize(v.Export())
}

// normalize collapses goja's exported numeric types onto int64/float64.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
