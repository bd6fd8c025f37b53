package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "/var/lib/tinyvmm", cfg.DataDir)
	assert.Equal(t, uint8(32), cfg.MaxVcpus)
	assert.Empty(t, cfg.JwtSecret)
	assert.Empty(t, cfg.OtlpEndpoint)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATA_DIR", "/tmp/tinyvmm-test")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_VCPUS", "16")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "/tmp/tinyvmm-test", cfg.DataDir)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, uint8(16), cfg.MaxVcpus)
}

func TestMaxVcpusFallback(t *testing.T) {
	t.Setenv("MAX_VCPUS", "4096")

	cfg := Load()
	assert.Equal(t, uint8(32), cfg.MaxVcpus)
}

func TestParseLevelFallback(t *testing.T) {
	t.Setenv("LOG_LEVEL", "shouting")

	cfg := Load()
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}
