package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Engine.ExpirationWindow.Duration)
	assert.Equal(t, "1", cfg.Engine.Multiplier().String())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "serve"

[engine]
expiration_window = "30m"
fee_bps = 250
reward_multiplier = "1.5"

[server]
port = 9100
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, 30*time.Minute, cfg.Engine.ExpirationWindow.Duration)
	assert.Equal(t, time.Hour, cfg.Engine.GraceWindow.Duration)
	assert.Equal(t, int64(250), cfg.Engine.FeeBps)
	assert.Equal(t, "1.5", cfg.Engine.Multiplier().String())
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Server.RateLimitPerMin)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `mode = "serve"`)
	t.Setenv("FLIPPENING_MODE", "keeper")
	t.Setenv("FLIPPENING_ENGINE_GRACE_WINDOW", "2h")
	t.Setenv("FLIPPENING_KEEPER_BATCH", "7")
	t.Setenv("FLIPPENING_REDIS_ENABLED", "true")
	t.Setenv("FLIPPENING_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("FLIPPENING_KEEPER_INTERVAL", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keeper", cfg.Mode)
	assert.Equal(t, 2*time.Hour, cfg.Engine.GraceWindow.Duration)
	assert.Equal(t, 7, cfg.Keeper.Batch)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.Keeper.Interval.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"owner", func(c *Config) { c.Engine.Owner = "alice" }, "owner"},
		{"expiration", func(c *Config) { c.Engine.ExpirationWindow.Duration = 0 }, "expiration_window"},
		{"bps sum", func(c *Config) { c.Engine.FeeBps = 9000; c.Engine.KeeperRewardBps = 2000 }, "must not exceed"},
		{"multiplier", func(c *Config) { c.Engine.RewardMultiplier = "lots" }, "reward_multiplier"},
		{"negative multiplier", func(c *Config) { c.Engine.RewardMultiplier = "-1" }, "reward_multiplier must be >= 0"},
		{"router", func(c *Config) { c.Liquidity.Router = "0x12" }, "router"},
		{"chain key", func(c *Config) { c.Collaborators = "chain" }, "private_key"},
		{"store", func(c *Config) { c.Store.Backend = "sqlite" }, "unknown store backend"},
		{"postgres pool", func(c *Config) {
			c.Store.Backend = "postgres"
			c.Postgres.PoolMinConns = 20
		}, "pool_min_conns"},
		{"archive cron", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.Cron = "@daily"
		}, "5 fields"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.PrivateKey = "deadbeef"
	cfg.Server.APIKey = "secret"
	cfg.Notify.Events = []string{"settled"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Chain.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "settled", cfg.Notify.Events[0])
	assert.Equal(t, "deadbeef", cfg.Chain.PrivateKey)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, common.Address{}, Address(""))
	assert.Equal(t, common.HexToAddress("0x01"), Address("0x0000000000000000000000000000000000000001"))
	assert.Equal(t, slog.LevelWarn, LogLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, LogLevel("verbose"))

	e := EngineConfig{RewardMultiplier: "bogus"}
	assert.Equal(t, "1", e.Multiplier().String())
}
