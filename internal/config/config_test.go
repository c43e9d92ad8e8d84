package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_Weaver(t *testing.T) {
	t.Parallel()

	cfg := Config{Weaver: &WeaverConfig{Name: "w1", ServerURL: "https://mesh.example.com"}}
	ApplyDefaults(&cfg)

	require.NotNil(t, cfg.Weaver.Enabled)
	assert.True(t, *cfg.Weaver.Enabled)
	assert.Equal(t, DefaultHeartbeatIntervalSec, cfg.Weaver.HeartbeatIntervalSec)
	assert.NotEmpty(t, cfg.Weaver.STUNServers)
}

func TestApplyDefaults_Server(t *testing.T) {
	t.Parallel()

	cfg := Config{Server: &ServerConfig{AuthToken: "tok"}}
	ApplyDefaults(&cfg)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultMeshPrefix, cfg.Server.MeshPrefix)
	assert.NotEmpty(t, cfg.Server.DerpMapURL)
	assert.Equal(t, DefaultDerpRefreshSec, cfg.Server.DerpRefreshSec)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, Validate(Config{}))

	cfg := Config{Weaver: &WeaverConfig{Name: "w1"}}
	ApplyDefaults(&cfg)
	assert.Error(t, Validate(cfg), "server_url required")

	cfg.Weaver.ServerURL = "http://mesh.example.com"
	assert.Error(t, Validate(cfg), "plain http rejected")

	cfg.Weaver.ServerURL = "https://mesh.example.com"
	assert.NoError(t, Validate(cfg))

	cfg.Weaver.ServerURL = "http://127.0.0.1:8440"
	cfg.Weaver.AllowInsecure = true
	assert.NoError(t, Validate(cfg))
}

func TestValidate_Device(t *testing.T) {
	t.Parallel()

	cfg := Config{Device: &DeviceConfig{Name: "laptop", ServerURL: "http://mesh.example.com"}}
	assert.Error(t, Validate(cfg))

	cfg.Device.ServerURL = "https://mesh.example.com"
	assert.NoError(t, Validate(cfg))
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "weaver.yaml")
	in := Config{Weaver: &WeaverConfig{Name: "w1", ServerURL: "https://mesh.example.com"}}
	require.NoError(t, Save(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, out.Weaver)
	assert.Equal(t, "w1", out.Weaver.Name)
	assert.Equal(t, DefaultHeartbeatIntervalSec, out.Weaver.HeartbeatIntervalSec)
}
