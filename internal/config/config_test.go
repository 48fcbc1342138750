package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("rx-api", "")
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, "rx-api", cfg.ServiceName)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*24*time.Hour, cfg.DefaultValidity())
	assert.Equal(t, 11, cfg.MaxRefills)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CATALOG_CACHE_TTL", "90s")
	t.Setenv("DEFAULT_VALIDITY_DAYS", "14")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("rx-api", "")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.CatalogCacheTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.DefaultValidity())
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadFromFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("PORT: \"7000\"\nLOG_LEVEL: debug\nMAX_REFILLS: 5\n"), 0o600))
	t.Setenv("MAX_REFILLS", "3")

	cfg, err := Load("rx-api", path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxRefills)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("rx-api", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestProductionRequiresSecrets(t *testing.T) {
	t.Setenv("ENV", "production")

	_, err := Load("rx-api", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QR_CODE_SECRET")

	t.Setenv("QR_CODE_SECRET", "short")
	t.Setenv("JWT_SECRET", "jwt-secret")
	_, err = Load("rx-api", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32")

	t.Setenv("QR_CODE_SECRET", strings.Repeat("s", 32))
	cfg, err := Load("rx-api", "")
	require.NoError(t, err)
	assert.False(t, cfg.IsDev())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env: "development", DatabaseURL: "postgres://x", QRCodeSecret: "s",
			DefaultValidityDays: 30, TraceSampleRate: 1,
		}
	}
	require.NoError(t, base().Validate())

	tests := map[string]func(*Config){
		"no database":       func(c *Config) { c.DatabaseURL = "" },
		"no secret":         func(c *Config) { c.QRCodeSecret = "" },
		"zero validity":     func(c *Config) { c.DefaultValidityDays = 0 },
		"negative refills":  func(c *Config) { c.MaxRefills = -1 },
		"negative rate":     func(c *Config) { c.RateLimitRPS = -1 },
		"sample rate above": func(c *Config) { c.TraceSampleRate = 1.5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := &Config{Env: "production", ServiceName: "rx-api", LogLevel: "warn"}
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	cfg.LogLevel = "loud"
	_, err = cfg.NewLogger()
	assert.ErrorContains(t, err, "LOG_LEVEL")
}
