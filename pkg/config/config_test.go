package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultsync/vaultsync/pkg/log"
)

func TestResolve_FlagTakesPriority(t *testing.T) {
	t.Setenv(EnvConfigFile, "/from/env.yaml")
	got := Resolve("/from/flag.yaml")
	require.Equal(t, "/from/flag.yaml", got)
}

func TestResolve_FallsBackToEnv(t *testing.T) {
	t.Setenv(EnvConfigFile, "/from/env.yaml")
	got := Resolve("")
	require.Equal(t, "/from/env.yaml", got)
}

func TestResolve_FallsBackToSearchPathMiss(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	got := Resolve("")
	require.Equal(t, "", got)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	settings, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), settings)
}

func TestLoad_OverlaysPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultsync.yaml")
	content := "listen_addr: \"0.0.0.0:5555\"\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	settings, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:5555", settings.ListenAddr)
	require.Equal(t, log.DebugLevel, settings.LogLevel)
	// Untouched fields keep their default values.
	require.Equal(t, Default().QuotaLimitBytes, settings.QuotaLimitBytes)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestLoad_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vaultsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
