// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/querydeck/querydeck/internal/core"
	"github.com/querydeck/querydeck/internal/event"
	"github.com/querydeck/querydeck/internal/plugin"
	"github.com/querydeck/querydeck/internal/plugin/sandbox"
	"github.com/querydeck/querydeck/internal/plugin/sandbox/js"
	"github.com/querydeck/querydeck/internal/plugin/sandbox/lua"
	"github.com/querydeck/querydeck/internal/storage"
)

// hostEnv wires a full plugin host over a SQLite storage file, the way
// the serve command does.
type hostEnv struct {
	pluginsDir  string
	storagePath string
	store       *storage.Service
	bus         *event.Bus
	runtime     *plugin.Runtime
	manager     *plugin.Manager
}

func startHost(pluginsDir, storagePath string) *hostEnv {
	backend, err := storage.NewSQLiteBackend(storagePath)
	Expect(err).NotTo(HaveOccurred())

	store := storage.NewService(backend)
	bus := event.NewBus()
	runtime := plugin.NewRuntime(plugin.Options{
		Storage: store,
		Bus:     bus,
		Engines: []sandbox.Engine{lua.NewEngine(), js.NewEngine()},
		DefaultLimits: sandbox.Limits{
			MemoryLimitMB: 32,
			Timeout:       2 * time.Second,
		},
	})
	manager := plugin.NewManager(pluginsDir, runtime)
	Expect(manager.LoadAll(context.Background())).To(Succeed())

	return &hostEnv{
		pluginsDir:  pluginsDir,
		storagePath: storagePath,
		store:       store,
		bus:         bus,
		runtime:     runtime,
		manager:     manager,
	}
}

func (e *hostEnv) stop() {
	e.runtime.Close()
	Expect(e.store.Close()).To(Succeed())
}

func writePluginDir(root, id, manifest, mainName, code string) {
	dir := filepath.Join(root, id)
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, mainName), []byte(code), 0o644)).To(Succeed())
}

var _ = Describe("Plugin host lifecycle", func() {
	var (
		root        string
		storagePath string
	)

	BeforeEach(func() {
		tmp, err := os.MkdirTemp("", "querydeck-test-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(tmp) })

		root = filepath.Join(tmp, "plugins")
		storagePath = filepath.Join(tmp, "storage.db")
		Expect(os.MkdirAll(root, 0o755)).To(Succeed())
	})

	Describe("query pipeline across engines", func() {
		BeforeEach(func() {
			writePluginDir(root, "lua-tagger", `
id: lua-tagger
name: Lua Tagger
version: 1.0.0
type: lua
main: main.lua
permissions:
  - query.hooks.before
`, "main.lua", `
function activate(api)
	api.query.registerBeforeQueryHook(function(ctx)
		return { query = ctx.query .. " /*lua*/" }
	end)
end
`)
			writePluginDir(root, "js-tagger", `
id: js-tagger
name: JS Tagger
version: 1.0.0
type: js
main: main.js
permissions:
  - query.hooks.before
`, "main.js", `
function activate(api) {
	api.query.registerBeforeQueryHook(function (ctx) {
		return { query: ctx.query + " /*js*/" };
	});
}
`)
		})

		It("chains before-query hooks from both engines in load order", func() {
			env := startHost(root, storagePath)
			defer env.stop()

			Expect(env.runtime.LoadedCount()).To(Equal(2))

			out := env.runtime.ExecuteBeforeQueryHooks(context.Background(), core.QueryContext{
				Query: "SELECT 1",
			})
			Expect(out.Cancelled).To(BeFalse())
			Expect(out.Context.Query).To(ContainSubstring("/*lua*/"))
			Expect(out.Context.Query).To(ContainSubstring("/*js*/"))
		})
	})

	Describe("storage persistence", func() {
		BeforeEach(func() {
			writePluginDir(root, "counter", `
id: counter
name: Counter
version: 1.0.0
type: lua
main: main.lua
permissions:
  - storage.read
  - storage.write
  - query.hooks.after
`, "main.lua", `
function activate(api)
	api.query.registerAfterQueryHook(function(results, ctx)
		local n = api.storage.get("n", 0)
		api.storage.set("n", n + 1)
		return results
	end)
end
`)
		})

		It("keeps plugin state across host restarts", func() {
			env := startHost(root, storagePath)
			qc := core.QueryContext{Query: "SELECT 1"}
			res := core.QueryResults{Columns: []string{"a"}}

			for range 3 {
				env.runtime.ExecuteAfterQueryHooks(context.Background(), res, qc)
			}
			env.stop()

			// Restart everything over the same storage file.
			env = startHost(root, storagePath)
			defer env.stop()

			for range 2 {
				env.runtime.ExecuteAfterQueryHooks(context.Background(), res, qc)
			}

			n, err := env.store.Get(context.Background(), "counter", "n", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(5)))
		})
	})

	Describe("query cancellation", func() {
		BeforeEach(func() {
			writePluginDir(root, "drop-guard", `
id: drop-guard
name: Drop Guard
version: 1.0.0
type: lua
main: main.lua
permissions:
  - query.hooks.before
`, "main.lua", `
function activate(api)
	api.query.registerBeforeQueryHook(function(ctx)
		if string.find(ctx.query, "DROP") then
			return { cancel = true, reason = "destructive statements are blocked" }
		end
		return ctx
	end)
end
`)
		})

		It("cancels matching queries and passes others through", func() {
			env := startHost(root, storagePath)
			defer env.stop()

			blocked := env.runtime.ExecuteBeforeQueryHooks(context.Background(), core.QueryContext{
				Query: "DROP TABLE users",
			})
			Expect(blocked.Cancelled).To(BeTrue())
			Expect(blocked.Reason).To(ContainSubstring("destructive"))
			Expect(blocked.CancelledBy).To(Equal("drop-guard"))

			allowed := env.runtime.ExecuteBeforeQueryHooks(context.Background(), core.QueryContext{
				Query: "SELECT * FROM users",
			})
			Expect(allowed.Cancelled).To(BeFalse())
		})
	})

	Describe("crash containment", func() {
		BeforeEach(func() {
			writePluginDir(root, "spinner", `
id: spinner
name: Spinner
version: 1.0.0
type: lua
main: main.lua
permissions:
  - ui.commands
limits:
  timeout-ms: 100
`, "main.lua", `
function activate(api)
	api.ui.registerCommand("Spin", "Never returns", function()
		while true do end
	end)
end
`)
			writePluginDir(root, "bystander", `
id: bystander
name: Bystander
version: 1.0.0
type: lua
main: main.lua
permissions:
  - query.hooks.before
`, "main.lua", `
function activate(api)
	api.query.registerBeforeQueryHook(function(ctx)
		return ctx
	end)
end
`)
		})

		It("crashes the offending plugin and leaves the rest running", func() {
			env := startHost(root, storagePath)
			defer env.stop()

			var crashed []string
			env.bus.Subscribe(event.TopicPluginCrashed, func(payload any) {
				if st, ok := payload.(event.PluginStatus); ok {
					crashed = append(crashed, st.PluginID)
				}
			})

			cmds := env.runtime.UI().CommandsForPlugin("spinner")
			Expect(cmds).To(HaveLen(1))

			_, err := env.runtime.InvokeCommand(context.Background(), cmds[0].ID)
			Expect(err).To(HaveOccurred())

			Expect(crashed).To(ConsistOf("spinner"))
			Expect(env.runtime.GetPlugin("spinner").State).To(Equal(plugin.StateCrashed))

			out := env.runtime.ExecuteBeforeQueryHooks(context.Background(), core.QueryContext{
				Query: "SELECT 1",
			})
			Expect(out.Cancelled).To(BeFalse())
			Expect(env.runtime.GetPlugin("bystander").State).To(Equal(plugin.StateEnabled))
		})
	})

	Describe("bundled plugins", func() {
		It("loads the plugins shipped in the repository", func() {
			bundled, err := filepath.Abs(filepath.Join("..", "..", "plugins"))
			Expect(err).NotTo(HaveOccurred())

			env := startHost(bundled, storagePath)
			defer env.stop()

			Expect(env.runtime.LoadedIDs()).To(ContainElements("query-logger", "slow-query-notifier"))
		})
	})
})
