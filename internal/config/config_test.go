package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-cloudcam/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Relay.ReadinessTimeout)
	assert.Equal(t, 2*time.Second, cfg.Relay.RetryBase)
	assert.Equal(t, 8*time.Second, cfg.Relay.RetryCap)
	assert.Equal(t, 3, cfg.Relay.RetryMax)
	assert.False(t, cfg.Vault.AllowPlaintext, "plaintext vault must be opt-in")
	assert.Contains(t, cfg.Upstream.AllowedHosts, ".immedia-semi.com")
}

func TestLoad_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	body := `
listen_addr: ":9999"
vault:
  allow_plaintext: true
relay:
  retry_max: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.True(t, cfg.Vault.AllowPlaintext)
	assert.Equal(t, 5, cfg.Relay.RetryMax)
	// Untouched sections keep defaults
	assert.Equal(t, 45*time.Second, cfg.Relay.ReadinessTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CLOUDCAM_LISTEN_ADDR", ":7777")
	t.Setenv("CLOUDCAM_VAULT_PASSPHRASE", "hunter2")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, "hunter2", cfg.Vault.Passphrase)
}

func TestLoad_BadYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [broken"), 0600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
