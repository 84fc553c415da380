package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "powertools-core", cfg.Supervisor.CoreName)
	assert.Equal(t, "127.0.0.1:8090", cfg.Supervisor.HTTPAddr)
	assert.Equal(t, "json", cfg.Service.Codec)
	assert.Equal(t, 3*time.Second, cfg.Service.Grace)
	assert.Zero(t, cfg.Service.Heartbeat)
	assert.Zero(t, cfg.Service.CallTimeout)
	assert.Empty(t, cfg.Registry.EtcdEndpoints)
	assert.Equal(t, int64(10), cfg.Registry.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadMatchesDefaultWithoutEnvironment(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Default().Supervisor, cfg.Supervisor)
	assert.Equal(t, Default().Service, cfg.Service)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"APPHOST_CORE_NAME":      "core",
		"APPHOST_HTTP_ADDR":      "127.0.0.1:9999",
		"APPHOST_CODEC":          "binary",
		"APPHOST_SERVICE_GRACE":  "500ms",
		"APPHOST_HEARTBEAT":      "2s",
		"APPHOST_CALL_TIMEOUT":   "750ms",
		"APPHOST_SIDE_DIR":       "/run/apphost",
		"APPHOST_ETCD_ENDPOINTS": "127.0.0.1:2379,127.0.0.1:2380",
		"LOG_LEVEL":              "debug",
		"LOG_DEV":                "true",
		"RATE_LIMIT_RPS":         "5",
		"RATE_LIMIT_BURST":       "10",
		"RATE_LIMIT_ENABLED":     "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "core", cfg.Supervisor.CoreName)
	assert.Equal(t, "127.0.0.1:9999", cfg.Supervisor.HTTPAddr)
	assert.Equal(t, "binary", cfg.Service.Codec)
	assert.Equal(t, 500*time.Millisecond, cfg.Service.Grace)
	assert.Equal(t, 2*time.Second, cfg.Service.Heartbeat)
	assert.Equal(t, 750*time.Millisecond, cfg.Service.CallTimeout)
	assert.Equal(t, "/run/apphost", cfg.Side.Dir)
	assert.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:2380"}, cfg.Registry.EtcdEndpoints)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 5.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	t.Setenv("APPHOST_SERVICE_GRACE", "soon")

	_, err := Load()
	require.Error(t, err)

	cfg := LoadOrDefault()
	assert.Equal(t, 3*time.Second, cfg.Service.Grace)
}
