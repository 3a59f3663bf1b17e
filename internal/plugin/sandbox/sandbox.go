// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package sandbox defines the isolation boundary plugin code executes
// behind. An Engine evaluates untrusted source inside a Context with no
// ambient host capability; the only host surface a plugin sees is the
// API value the runtime passes to its activate export.
//
// Everything else in the plugin runtime assumes this boundary holds:
// an uncaught failure inside plugin code surfaces as a structured error
// with code CodePluginThrew, never as a native fault.
package sandbox

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// Error codes attached to sandbox errors via oops.Code.
const (
	CodeCompileError        = "COMPILE_ERROR"
	CodeMemoryLimitExceeded = "MEMORY_LIMIT_EXCEEDED"
	CodeTimeoutExceeded     = "TIMEOUT_EXCEEDED"
	CodePluginThrew         = "PLUGIN_THREW"
	CodeNoSuchExport        = "NO_SUCH_EXPORT"
)

// Default resource limits applied when a manifest carries no override.
const (
	DefaultMemoryLimitMB = 64
	DefaultTimeout       = 5 * time.Second
)

// Limits bound a single evaluation context. A zero field means the
// corresponding default applies.
type Limits struct {
	MemoryLimitMB int
	Timeout       time.Duration
}

// WithDefaults returns the limits with zero fields replaced by defaults.
func (l Limits) WithDefaults() Limits {
	if l.MemoryLimitMB <= 0 {
		l.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	return l
}

// HostFunc is a host-implemented function exposed to plugin code. Engines
// bridge it into a callable value inside the sandbox. Args and results use
// the neutral value model: nil, bool, int64, float64, string, []any,
// map[string]any, HostFunc, func() and Callable.
type HostFunc func(ctx context.Context, args ...any) (any, error)

// Callable is a function value plugin code handed to the host (for
// example a hook callback). Invoking it re-enters the sandbox under the
// owning context's limits; errors carry sandbox codes.
type Callable interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// Context is one isolated evaluation environment holding the evaluated
// plugin code. Implementations serialize all entry into the underlying
// interpreter state.
type Context interface {
	// InvokeExport calls a callable the plugin defined at the top level.
	// Uncaught plugin exceptions come back with code CodePluginThrew;
	// a missing or non-callable export with CodeNoSuchExport.
	InvokeExport(ctx context.Context, export string, args ...any) (any, error)

	// HasExport reports whether the plugin defined a callable with the
	// given name.
	HasExport(export string) bool

	// Dispose releases the context. Safe to call more than once; every
	// exit path of the runtime disposes, including error paths.
	Dispose()
}

// Engine creates sandboxed evaluation contexts for one plugin language.
type Engine interface {
	// Name identifies the engine ("lua", "js"); manifests select by it.
	Name() string

	// Create evaluates code inside a fresh isolated context. Top-level
	// evaluation runs under the given limits. Failure codes:
	// CodeCompileError, CodeMemoryLimitExceeded, CodeTimeoutExceeded,
	// CodePluginThrew.
	Create(ctx context.Context, pluginID, code string, limits Limits) (Context, error)

	// HardIsolation reports whether the engine enforces both memory and
	// timeout limits at the isolation boundary. When false the engine is
	// degraded: crash containment still holds, but callers must not
	// assume resource limits apply.
	HardIsolation() bool
}

// ErrNoSuchExport builds the standard missing-export error.
func ErrNoSuchExport(engine, pluginID, export string) error {
	return oops.In(engine).
		Code(CodeNoSuchExport).
		With("plugin", pluginID).
		With("export", export).
		New("export is not defined or not callable")
}
