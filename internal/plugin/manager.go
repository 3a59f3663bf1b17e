package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/querydeck/querydeck/pkg/errutil"
)

// Manager discovers plugins on disk and drives the Runtime to load
// them. Each plugin lives in its own directory under pluginsDir with a
// plugin.yaml manifest next to its source.
type Manager struct {
	pluginsDir string
	runtime    *Runtime
	loaded     map[string]*DiscoveredPlugin
	mu         sync.RWMutex
}

// NewManager creates a plugin manager over a runtime.
func NewManager(pluginsDir string, runtime *Runtime) *Manager {
	return &Manager{
		pluginsDir: pluginsDir,
		runtime:    runtime,
		loaded:     make(map[string]*DiscoveredPlugin),
	}
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, "plugin.yaml")

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LoadAll discovers and loads all plugins in the plugins directory.
//
// Individual plugin failures are logged and skipped so the host starts
// even when some plugins are broken. Callers who need strict loading
// should use Discover + Load individually with error checking.
func (m *Manager) LoadAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	for _, dp := range discovered {
		if err := m.Load(ctx, dp); err != nil {
			errutil.LogError(slog.Default().With("plugin", dp.Manifest.ID),
				"failed to load plugin", err)
			continue
		}
	}

	return nil
}

// Load reads a discovered plugin's source and loads it into the
// runtime.
func (m *Manager) Load(ctx context.Context, dp *DiscoveredPlugin) error {
	mainPath := filepath.Join(dp.Dir, dp.Manifest.Main)
	code, err := os.ReadFile(mainPath) //nolint:gosec // mainPath is under the discovered plugin directory
	if err != nil {
		return fmt.Errorf("failed to read plugin source: %w", err)
	}

	res := m.runtime.LoadPlugin(ctx, *dp.Manifest, string(code), dp.Dir, nil)
	if !res.Success {
		return fmt.Errorf("load failed (%s): %w", res.ErrorCode, res.Err)
	}

	m.mu.Lock()
	m.loaded[dp.Manifest.ID] = dp
	m.mu.Unlock()
	return nil
}

// Reload unloads a plugin and loads it again from disk. Used by the
// watcher when plugin files change.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.RLock()
	dp, ok := m.loaded[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %s was not loaded by this manager", id)
	}

	m.runtime.Unload(id)

	// Re-read the manifest too; a reload may change permissions or
	// limits.
	data, err := os.ReadFile(filepath.Join(dp.Dir, "plugin.yaml")) //nolint:gosec // path recorded at discovery
	if err != nil {
		return fmt.Errorf("failed to re-read manifest: %w", err)
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return fmt.Errorf("invalid manifest on reload: %w", err)
	}

	return m.Load(ctx, &DiscoveredPlugin{Manifest: manifest, Dir: dp.Dir})
}

// PluginDirs returns the directory of each plugin this manager loaded,
// keyed by plugin id.
func (m *Manager) PluginDirs() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dirs := make(map[string]string, len(m.loaded))
	for id, dp := range m.loaded {
		dirs[id] = dp.Dir
	}
	return dirs
}

// UnloadAll unloads every plugin this manager loaded.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.loaded {
		m.runtime.Unload(id)
	}
	m.loaded = make(map[string]*DiscoveredPlugin)
}
