package config

import (
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderlink/mirror/internal/capture"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultAddr, cfg.Recv.Addr)
	assert.Equal(t, 30*24*time.Hour, cfg.Recv.CertValidity)

	assert.Equal(t, "mirror", cfg.Send.Mode)
	assert.Equal(t, "prefer-secondary", cfg.Send.Policy)
	assert.Equal(t, 1280, cfg.Send.Width)
	assert.Equal(t, 720, cfg.Send.Height)
	assert.Equal(t, 60, cfg.Send.FPS)
	assert.Equal(t, 30_000_000, cfg.Send.Bitrate)
	assert.Equal(t, 30, cfg.Send.MaxConsecutiveErrors)
	assert.False(t, cfg.Send.Native)
	assert.Equal(t, 5, cfg.Send.ReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Send.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Send.BackoffCap)
	assert.Equal(t, 10*time.Second, cfg.Send.DialTimeout)
	assert.Equal(t, time.Second, cfg.Send.StatsInterval)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
send:
  addr: "10.0.0.2:9999"
  mode: extend
  bitrate: 12000000
  backoff_base: 250ms
recv:
  addr: ":7000"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10.0.0.2:9999", cfg.Send.Addr)
	assert.Equal(t, "extend", cfg.Send.Mode)
	assert.Equal(t, 12_000_000, cfg.Send.Bitrate)
	assert.Equal(t, 250*time.Millisecond, cfg.Send.BackoffBase)
	assert.Equal(t, ":7000", cfg.Recv.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60, cfg.Send.FPS)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIRROR_SEND_ADDR", "192.168.1.5:9999")
	t.Setenv("MIRROR_SEND_FPS", "30")
	t.Setenv("MIRROR_RECV_ADDR", ":8000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.5:9999", cfg.Send.Addr)
	assert.Equal(t, 30, cfg.Send.FPS)
	assert.Equal(t, ":8000", cfg.Recv.Addr)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestModeAndPolicyParsing(t *testing.T) {
	mode, err := Send{Mode: "extend"}.ModeValue()
	require.NoError(t, err)
	assert.Equal(t, capture.ModeExtend, mode)

	_, err = Send{Mode: "clone"}.ModeValue()
	require.Error(t, err)

	policy, err := Send{Policy: "fail-hard"}.PolicyValue()
	require.NoError(t, err)
	assert.Equal(t, capture.FailHard, policy)

	_, err = Send{Policy: "whatever"}.PolicyValue()
	require.Error(t, err)
}

func TestFingerprintParsing(t *testing.T) {
	raw, err := Send{}.FingerprintBytes()
	require.NoError(t, err)
	assert.Nil(t, raw)

	sum := sha256.Sum256([]byte("cert"))
	enc := base64.StdEncoding.EncodeToString(sum[:])
	raw, err = Send{Fingerprint: enc}.FingerprintBytes()
	require.NoError(t, err)
	assert.Equal(t, sum[:], raw)

	_, err = Send{Fingerprint: "!!!"}.FingerprintBytes()
	require.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = Send{Fingerprint: short}.FingerprintBytes()
	require.Error(t, err)
}
