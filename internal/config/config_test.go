package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "https://api.mailgun.net", cfg.Mailgun.BaseURL)
	assert.Equal(t, 3, cfg.Mailgun.Breaker.FailThreshold)
	assert.Equal(t, 25*time.Second, cfg.Network.PollWait)
	assert.Equal(t, 30*time.Second, cfg.Relay.RehydrateInterval)
	assert.Equal(t, 20, cfg.RateLimit.RPS)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
log:
  level: debug
relay:
  inbound_address: bridge@relay.example.com
  allowlist:
    - "@alice"
    - "@bob"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "bridge@relay.example.com", cfg.Relay.InboundAddress)
	assert.Equal(t, []string{"@alice", "@bob"}, cfg.Relay.Allowlist)

	// Untouched keys keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.Mailgun.Timeout)
}
