package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, HandoffConfig{}, cfg.Handoff)
	assert.NotEqual(t, StreamConfig{}, cfg.Stream)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, AuthConfig{}, cfg.Auth)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultHandoffConfig(t *testing.T) {
	cfg := DefaultHandoffConfig()
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.Retention)
	assert.Equal(t, 30*time.Second, cfg.SessionGracePeriod)
	assert.LessOrEqual(t, cfg.TTL.Urgent, cfg.TTL.High)
	assert.LessOrEqual(t, cfg.TTL.High, cfg.TTL.Normal)
}

func TestDefaultStreamConfig(t *testing.T) {
	cfg := DefaultStreamConfig()
	assert.Equal(t, 33*time.Millisecond, cfg.FrameInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PushDeadline)
	assert.Equal(t, 60.0, cfg.InputRate)
	assert.Equal(t, 30, cfg.InputBurst)
}

func TestDefaultAuthConfig(t *testing.T) {
	cfg := DefaultAuthConfig()
	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.JWTSecret)
	assert.Equal(t, 8*time.Hour, cfg.TokenTTL)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}
