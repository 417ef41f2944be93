package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshmon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "local.mesh", cfg.Node.MeshDomain)
	assert.Equal(t, 40050, cfg.Probe.Port)
	assert.Equal(t, "lightweight", cfg.Probe.Mode)
	assert.Equal(t, 20, cfg.Scheduler.HistorySize)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().Probe.Port, cfg.Probe.Port)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
node:
  mesh_domain: "k1abc.local.mesh"
probe:
  probe_port: 40099
  mode: full
routing:
  routing_daemon: babel
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "k1abc.local.mesh", cfg.Node.MeshDomain)
	assert.Equal(t, 40099, cfg.Probe.Port)
	assert.Equal(t, "full", cfg.Probe.Mode)
	assert.Equal(t, "babel", cfg.Routing.Daemon)
	// untouched sections keep their defaults
	assert.Equal(t, 20, cfg.Scheduler.HistorySize)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "node: [this is not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidConfigurationFailsValidation(t *testing.T) {
	path := writeConfigFile(t, `
probe:
  probe_port: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestOverrideWithEnv(t *testing.T) {
	t.Setenv("MESHMON_NODE_LABEL", "node-7")
	t.Setenv("MESHMON_PROBE_PORT", "41000")
	t.Setenv("MESHMON_PROBE_MODE", "full")
	t.Setenv("MESHMON_DSCP_EF", "true")
	t.Setenv("MESHMON_COLLECTOR_URL", "http://collector.local.mesh:9000/report")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Node.Label)
	assert.Equal(t, 41000, cfg.Probe.Port)
	assert.Equal(t, "full", cfg.Probe.Mode)
	assert.True(t, cfg.Probe.DSCPExpedited)
	assert.Equal(t, "http://collector.local.mesh:9000/report", cfg.Collector.URL)
	assert.True(t, cfg.Collector.Enabled)
}

func TestOverrideWithEnvIgnoresMalformedIntegers(t *testing.T) {
	t.Setenv("MESHMON_PROBE_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().Probe.Port, cfg.Probe.Port)
}
