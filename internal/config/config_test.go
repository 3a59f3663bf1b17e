// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 QueryDeck Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/pkg/errutil"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "/data/querydeck/plugins", cfg.PluginsDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.False(t, cfg.Watch)
	assert.Equal(t, 64, cfg.Limits.MemoryLimitMB)
	assert.Equal(t, 5000, cfg.Limits.TimeoutMs)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
plugins_dir: /opt/querydeck/plugins
storage_path: /var/lib/querydeck/storage.db
log_format: text
watch: true
limits:
  memory_limit_mb: 128
  timeout_ms: 2000
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/opt/querydeck/plugins", cfg.PluginsDir)
	assert.Equal(t, "/var/lib/querydeck/storage.db", cfg.StoragePath)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Watch)
	assert.Equal(t, 128, cfg.Limits.MemoryLimitMB)
	assert.Equal(t, 2000, cfg.Limits.TimeoutMs)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
plugins_dir: /opt/querydeck/plugins
log_format: text
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-format", "json", "")
	flags.Bool("watch", false, "")
	require.NoError(t, flags.Parse([]string{"--log-format=json", "--watch"}))

	cfg, err := config.Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat, "changed flag wins over file")
	assert.True(t, cfg.Watch)
	assert.Equal(t, "/opt/querydeck/plugins", cfg.PluginsDir, "file value survives untouched flags")
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "plugins_dir: [broken")
	_, err := config.Load(path, nil)
	require.Error(t, err)
}

func TestLoad_RejectsBadLogFormat(t *testing.T) {
	path := writeConfig(t, `
plugins_dir: /opt/plugins
log_format: xml
`)
	_, err := config.Load(path, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
}

func TestLoad_RejectsNegativeLimits(t *testing.T) {
	path := writeConfig(t, `
plugins_dir: /opt/plugins
limits:
  timeout_ms: -5
`)
	_, err := config.Load(path, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
}

func TestValidate_EmptyPluginsDir(t *testing.T) {
	cfg := config.Default()
	cfg.PluginsDir = ""
	err := cfg.Validate()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, config.CodeInvalidConfig)
}
