// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

// Package config loads host configuration from defaults, an optional
// YAML file, and command-line flags, in that order of precedence.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/querydeck/querydeck/internal/xdg"
)

// Error codes for configuration failures.
const (
	CodeInvalidConfig = "INVALID_CONFIG"
)

// Config holds the plugin host configuration.
type Config struct {
	PluginsDir  string        `koanf:"plugins_dir"`
	StoragePath string        `koanf:"storage_path"`
	LogFormat   string        `koanf:"log_format"`
	MetricsAddr string        `koanf:"metrics_addr"`
	Watch       bool          `koanf:"watch"`
	Limits      SandboxLimits `koanf:"limits"`
}

// SandboxLimits are the default resource limits applied to plugins that
// do not declare their own.
type SandboxLimits struct {
	MemoryLimitMB int `koanf:"memory_limit_mb"`
	TimeoutMs     int `koanf:"timeout_ms"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginsDir:  xdg.PluginsDir(),
		StoragePath: "",
		LogFormat:   "json",
		MetricsAddr: "127.0.0.1:9100",
		Watch:       false,
		Limits: SandboxLimits{
			MemoryLimitMB: 64,
			TimeoutMs:     5000,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PluginsDir == "" {
		return oops.Code(CodeInvalidConfig).Errorf("plugins_dir is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code(CodeInvalidConfig).
			With("log_format", c.LogFormat).
			Errorf("log_format must be 'json' or 'text'")
	}
	if c.Limits.MemoryLimitMB < 0 {
		return oops.Code(CodeInvalidConfig).Errorf("limits.memory_limit_mb must not be negative")
	}
	if c.Limits.TimeoutMs < 0 {
		return oops.Code(CodeInvalidConfig).Errorf("limits.timeout_ms must not be negative")
	}
	return nil
}

// Load builds the configuration. Layering, lowest to highest:
// built-in defaults, the YAML file at path (skipped when path is empty
// and the default config file does not exist), then any flags the user
// set. Flag names with dashes map onto config keys with underscores.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").
				With("path", path).
				Wrapf(err, "failed to parse config file")
		}
	} else if explicit {
		return nil, oops.In("config").
			With("path", path).
			Wrapf(err, "config file not found")
	}

	if flags != nil {
		// Flag names use dashes, config keys use underscores.
		p := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		})
		if err := k.Load(p, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "failed to load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return xdg.ConfigDir() + "/config.yaml"
}
