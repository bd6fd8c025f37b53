package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	DataDir      string
	MaxVcpus     uint8
	JwtSecret    string
	OtlpEndpoint string
	LogLevel     slog.Level
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		DataDir:      getEnv("DATA_DIR", "/var/lib/tinyvmm"),
		MaxVcpus:     getEnvUint8("MAX_VCPUS", 32),
		JwtSecret:    getEnv("JWT_SECRET", ""),
		OtlpEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:     parseLevel(getEnv("LOG_LEVEL", "info")),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvUint8(key string, defaultValue uint8) uint8 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(value, 10, 8)
	if err != nil {
		return defaultValue
	}
	return uint8(n)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
