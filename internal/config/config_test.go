package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsAndRemainingArgs(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, rest, err := Parse([]string{"--state-dir", dir, "run", "--task", "abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--task", "abc"}, rest)
	assert.Equal(t, filepath.Join(dir, "run"), cfg.RuntimeDir)
	assert.Equal(t, filepath.Join(dir, "cronwrap.log"), cfg.Log.File)
	assert.Equal(t, RegistrySQLite, cfg.Registry.Kind)
	assert.Equal(t, "sha1", cfg.Hash)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, time.Local, cfg.Location())
}

func TestParseEnvAndFlagPriority(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CRONWRAP_STATE_DIR", dir)
	t.Setenv("CRONWRAP_LOG_LEVEL", "warn")
	t.Setenv("CRONWRAP_USE_UTC", "yes")
	t.Setenv("CRONWRAP_REGISTRY", "tasks.yaml")
	t.Setenv("CRONWRAP_HASH", "sha256")

	cfg, _, err := Parse([]string{"--log-level", "debug", "tick"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.UseUTC)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, RegistryFile, cfg.Registry.Kind)
	assert.True(t, filepath.IsAbs(cfg.Registry.Path))
	assert.Equal(t, "sha256", cfg.Hash)

	cfg, _, err = Parse([]string{"--use-utc=false", "tick"})
	require.NoError(t, err)
	assert.False(t, cfg.UseUTC)
}

func TestParseRejects(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	_, _, err := Parse([]string{"--state-dir", dir, "--hash", "crc32"})
	assert.Error(t, err)
	_, _, err = Parse([]string{"--state-dir", dir, "--registry-kind", "file"})
	assert.Error(t, err)
	_, _, err = Parse([]string{"--state-dir", dir, "--registry-kind", "etcd"})
	assert.Error(t, err)
	_, _, err = Parse([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func TestWrapperArgsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	cfg, _, err := Parse([]string{"--state-dir", dir, "--registry", filepath.Join(dir, "tasks.yaml"), "--use-utc", "serve"})
	require.NoError(t, err)

	again, rest, err := Parse(append(cfg.WrapperArgs(), "run", "--task", "abc"))
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--task", "abc"}, rest)
	assert.Equal(t, cfg.StateDir, again.StateDir)
	assert.Equal(t, cfg.RuntimeDir, again.RuntimeDir)
	assert.Equal(t, cfg.Registry, again.Registry)
	assert.Equal(t, cfg.Log.File, again.Log.File)
	assert.True(t, again.UseUTC)
}

func TestParseMalformedEnvFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CRONWRAP_STATE_DIR", dir)
	t.Setenv("CRONWRAP_HISTORY_KEEP", "many")
	t.Setenv("CRONWRAP_SHUTDOWN_GRACE", "soon")
	t.Setenv("CRONWRAP_BARK_ENABLED", "nope")

	cfg, _, err := Parse([]string{"tick"})
	require.NoError(t, err)
	assert.Equal(t, defaultHistoryKeep, cfg.HistoryKeep)
	assert.Equal(t, defaultShutdownGrace, cfg.ShutdownGrace)
	assert.False(t, cfg.Notification.Bark.Enabled)
}
