package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Session.TransactionTimeout)
	assert.Equal(t, "json", cfg.Gateway.Codec)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "janus.yaml")
	body := []byte(`gateway:
  url: ws://gateway.example:8188
  codec: CBOR
session:
  transaction_timeout: 5s
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://gateway.example:8188", cfg.Gateway.URL)
	assert.Equal(t, "cbor", cfg.Gateway.Codec)
	assert.Equal(t, 5*time.Second, cfg.Session.TransactionTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "janus-protocol", cfg.Gateway.Subprotocol)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "janus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))
	t.Setenv("JANUS_SESSION_TRANSACTION_TIMEOUT", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.TransactionTimeout)
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.Codec = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Session.TransactionTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}
