package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYamlConfigLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9090"
  name: "test-server"
  version: "1.2.3"
  log_level: "debug"
  mcp_path: "/custom"
  max_body_size: 1024
  session_expiry_minutes: 5
`)
	cfg, err := NewYamlConfig(path, nil)
	require.NoError(t, err)
	defer cfg.Close()

	addr, _ := cfg.ListenAddr()
	assert.Equal(t, ":9090", addr)
	name, _ := cfg.ServerName()
	assert.Equal(t, "test-server", name)
	version, _ := cfg.ServerVersion()
	assert.Equal(t, "1.2.3", version)
	path2, _ := cfg.MCPPath()
	assert.Equal(t, "/custom", path2)
	size, _ := cfg.MaxBodySize()
	assert.Equal(t, int64(1024), size)
	expiry, _ := cfg.SessionExpiryMinutes()
	assert.Equal(t, 5, expiry)
}

func TestYamlConfigDefaults(t *testing.T) {
	path := writeConfig(t, `server: {name: "x"}`)
	cfg, err := NewYamlConfig(path, nil)
	require.NoError(t, err)
	defer cfg.Close()

	addr, _ := cfg.ListenAddr()
	assert.Equal(t, ":4000", addr)
	mcpPath, _ := cfg.MCPPath()
	assert.Equal(t, "/mcp", mcpPath)
	cors, _ := cfg.CORSEnabled()
	assert.True(t, cors)
	sse, _ := cfg.SSEEnabled()
	assert.True(t, sse)
	size, _ := cfg.MaxBodySize()
	assert.Equal(t, int64(4<<20), size)
	level, _ := cfg.LogLevel()
	assert.Equal(t, "info", level)
}

func TestYamlConfigDisableStreaming(t *testing.T) {
	path := writeConfig(t, `
server:
  sse: false
  post_sse: false
  cors: false
`)
	cfg, err := NewYamlConfig(path, nil)
	require.NoError(t, err)
	defer cfg.Close()

	sse, _ := cfg.SSEEnabled()
	assert.False(t, sse)
	postSSE, _ := cfg.POSTSSEEnabled()
	assert.False(t, postSSE)
	cors, _ := cfg.CORSEnabled()
	assert.False(t, cors)
}

func TestYamlConfigMissingFile(t *testing.T) {
	_, err := NewYamlConfig("/nonexistent/config.yaml", nil)
	assert.Error(t, err)
}
