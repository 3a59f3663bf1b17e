// Package lua provides the gopher-lua sandbox engine for plugin execution.
package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/querydeck/querydeck/internal/plugin/sandbox"
)

// safeLibrary represents a Lua library that is safe to load in a
// sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked.
// They evaluate arbitrary code or reach the filesystem, which would break
// the no-ambient-capability guarantee.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// registrySlotsPerMB scales the registry cap from the configured memory
// limit. The cap bounds stack and call-frame growth, not heap data:
// exceeding it aborts the invocation with a registry overflow, but
// gopher-lua does not account table or string allocations.
const registrySlotsPerMB = 8192

// initialRegistrySize is the registry allocation for a fresh state.
const initialRegistrySize = 1024 * 4

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// NewState creates a fresh Lua state with only safe libraries loaded and
// the registry capped according to limits. The state inherits no host
// globals; the only host surface a plugin ever sees is what the runtime
// passes to its activate export.
func (f *StateFactory) NewState(limits sandbox.Limits) (*lua.LState, error) {
	limits = limits.WithDefaults()

	maxRegistry := limits.MemoryLimitMB * registrySlotsPerMB
	initial := initialRegistrySize
	if maxRegistry < initial {
		initial = maxRegistry
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		RegistrySize:    initial,
		RegistryMaxSize: maxRegistry,
	})

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
