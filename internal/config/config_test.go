package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, []string{defaultOrigin}, cfg.AllowedOrigins)
	assert.Equal(t, int64(defaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, defaultBurst, cfg.RateLimit.Burst)
	assert.Equal(t, defaultRefillInterval, cfg.RateLimit.RefillInterval)
	assert.Equal(t, defaultSendBufferSize, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, defaultPongWait, cfg.WebSocket.PongWait)
	assert.Equal(t, defaultPingPeriod, cfg.WebSocket.PingPeriod)
	assert.Equal(t, defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	assert.Equal(t, defaultDSN, cfg.Database.DSN)
	assert.Equal(t, defaultIssuer, cfg.Auth.Issuer)
	assert.False(t, cfg.RequireCorrelation)
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
port: ":9000"
log_level: "debug"
history_limit: 20
shutdown_grace_period: "5s"
rate_limit:
  burst: 10
  refill_interval: "2s"
websocket:
  send_buffer_size: 16
  pong_wait: "30s"
  ping_period: "20s"
database:
  dsn: "/tmp/chat.db"
auth:
  jwt_secret: "file-secret"
`), 0o644))

	t.Setenv("GOCHAT_PORT", ":7000")
	t.Setenv("GOCHAT_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("GOCHAT_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 20, cfg.HistoryLimit)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGracePeriod)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 16, cfg.WebSocket.SendBufferSize)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.PongWait)
	assert.Equal(t, 20*time.Second, cfg.WebSocket.PingPeriod)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.DSN)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSanitizeRestoresDefaults(t *testing.T) {
	cfg := Sanitize(Config{
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		WebSocket:      WebSocketConfig{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second},
		AllowedOrigins: []string{" ", "http://localhost:3000 "},
	})

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, int64(defaultMaxMessageSize), cfg.MaxMessageSize)
	assert.Equal(t, defaultBurst, cfg.RateLimit.Burst)
	assert.Equal(t, defaultRefillInterval, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 9*time.Second, cfg.WebSocket.PingPeriod, "ping period must stay below pong wait")
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg.Auth.JWTSecret = "secret"
	require.NoError(t, cfg.Validate())

	cfg.MaxContentLength = int(cfg.MaxMessageSize)
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Auth.JWTSecret = "secret"
	cfg.AllowedOrigins = nil
	require.Error(t, cfg.Validate())
}
