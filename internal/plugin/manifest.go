// Package plugin provides plugin management and lifecycle control.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/querydeck/querydeck/internal/plugin/hostfunc"
)

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the system.
const (
	TypeLua Type = "lua"
	TypeJS  Type = "js"
)

// Manifest represents a plugin.yaml file. The json and jsonschema tags
// drive JSON Schema generation in schema.go; keep them aligned with the
// yaml tags and the checks in Validate.
type Manifest struct {
	ID          string        `yaml:"id" json:"id" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Name        string        `yaml:"name" json:"name" jsonschema:"minLength=1"`
	Version     string        `yaml:"version" json:"version" jsonschema:"minLength=1"`
	Type        Type          `yaml:"type" json:"type" jsonschema:"enum=lua,enum=js"`
	Main        string        `yaml:"main" json:"main" jsonschema:"minLength=1"`
	Permissions []string      `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Limits      *LimitsConfig `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// LimitsConfig overrides the default sandbox resource limits.
type LimitsConfig struct {
	MemoryLimitMB int `yaml:"memory-limit-mb,omitempty" json:"memory-limit-mb,omitempty" jsonschema:"minimum=0"`
	TimeoutMs     int `yaml:"timeout-ms,omitempty" json:"timeout-ms,omitempty" jsonschema:"minimum=0"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen. Single character ids are allowed. The pattern excludes ':',
// which the storage layer reserves as its namespace separator.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// knownPermissions are the capability names a manifest may request.
var knownPermissions = map[string]bool{
	hostfunc.CapStorageRead:     true,
	hostfunc.CapStorageWrite:    true,
	hostfunc.CapUICommands:      true,
	hostfunc.CapUINotifications: true,
	hostfunc.CapHooksBefore:     true,
	hostfunc.CapHooksAfter:      true,
	hostfunc.CapHooksError:      true,
}

// validPermission accepts an exact capability name or a glob pattern
// ('.'-separated, same syntax the enforcer compiles) covering at least
// one known capability.
func validPermission(p string) bool {
	if knownPermissions[p] {
		return true
	}
	g, err := glob.Compile(p, '.')
	if err != nil {
		return false
	}
	for known := range knownPermissions {
		if g.Match(known) {
			return true
		}
	}
	return false
}

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	switch m.Type {
	case TypeLua, TypeJS:
	default:
		return fmt.Errorf("type must be 'lua' or 'js', got %q", m.Type)
	}

	if m.Main == "" {
		return fmt.Errorf("main is required")
	}

	for _, p := range m.Permissions {
		if !validPermission(p) {
			return fmt.Errorf("unknown permission %q", p)
		}
	}

	if m.Limits != nil {
		if m.Limits.MemoryLimitMB < 0 {
			return fmt.Errorf("limits.memory-limit-mb must be non-negative, got %d", m.Limits.MemoryLimitMB)
		}
		if m.Limits.TimeoutMs < 0 {
			return fmt.Errorf("limits.timeout-ms must be non-negative, got %d", m.Limits.TimeoutMs)
		}
	}

	return nil
}
