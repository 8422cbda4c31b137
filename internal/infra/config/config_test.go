package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "127.0.0.1:8741", cfg.Gateway.Addr)
	assert.Equal(t, "auto", cfg.Bluetooth.Backend)
	assert.Equal(t, 10_000, cfg.Bluetooth.ScanTimeoutMs)
	assert.True(t, cfg.Store.Enabled)
	assert.False(t, cfg.Tracer.Enabled)
	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8741", cfg.Gateway.Addr)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  addr: "127.0.0.1:9000"
  auth:
    type: static
    tokens:
      - token: s3cret
        name: webview
bluetooth:
  backend: mock
  scan_timeout_ms: 5000
policy:
  denied: [writeValue]
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Gateway.Addr)
	assert.Equal(t, "mock", cfg.Bluetooth.Backend)
	assert.Equal(t, 5000, cfg.Bluetooth.ScanTimeoutMs)
	require.Len(t, cfg.Gateway.Auth.Tokens, 1)
	assert.Equal(t, "s3cret", cfg.Gateway.Auth.Tokens[0].Token)
	assert.Equal(t, []string{"writeValue"}, cfg.Policy.Denied)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  addr: \":1\"\n"), 0666))
	require.NoError(t, os.Chmod(path, 0666))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLEBRIDGE_GATEWAY_ADDR", "127.0.0.1:7777")
	t.Setenv("BLEBRIDGE_BLUETOOTH_BACKEND", "mock")
	t.Setenv("BLEBRIDGE_BLUETOOTH_SCAN_TIMEOUT_MS", "2500")
	t.Setenv("BLEBRIDGE_STORE_ENABLED", "false")
	t.Setenv("BLEBRIDGE_GATEWAY_TOKEN", "env-token")
	t.Setenv("BLEBRIDGE_POLICY_DENIED", "writeValue, startNotifications")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "127.0.0.1:7777", cfg.Gateway.Addr)
	assert.Equal(t, "mock", cfg.Bluetooth.Backend)
	assert.Equal(t, 2500, cfg.Bluetooth.ScanTimeoutMs)
	assert.False(t, cfg.Store.Enabled)
	assert.Equal(t, "static", cfg.Gateway.Auth.Type)
	require.Len(t, cfg.Gateway.Auth.Tokens, 1)
	assert.Equal(t, []string{"writeValue", "startNotifications"}, cfg.Policy.Denied)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "static"
	require.Error(t, Validate(cfg), "static auth without tokens")

	cfg = Defaults()
	cfg.Bluetooth.Backend = "bluez"
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Bluetooth.ScanTimeoutMs = 0
	require.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Store.Path = ""
	require.Error(t, Validate(cfg))
}

func TestEncryptedTokenRoundTrip(t *testing.T) {
	enc, err := EncryptValue("super-secret", "passphrase")
	require.NoError(t, err)
	require.NotEqual(t, "super-secret", enc)

	dec, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", dec)

	_, err = DecryptValue(enc, "wrong-passphrase")
	require.Error(t, err)

	// Full path: an enc: token in the config is transparent to the caller.
	t.Setenv("BLEBRIDGE_CONFIG_KEY", "passphrase")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  auth:
    type: static
    tokens:
      - token: "enc:`+enc+`"
        name: webview
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Gateway.Auth.Tokens, 1)
	assert.Equal(t, "super-secret", cfg.Gateway.Auth.Tokens[0].Token)
}
