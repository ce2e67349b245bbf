// Package config defines the top-level configuration for the flippening
// escrow engine and provides validation helpers.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLIPPENING_* environment variables.
type Config struct {
	Engine        EngineConfig    `toml:"engine"`
	Liquidity     LiquidityConfig `toml:"liquidity"`
	Chain         ChainConfig     `toml:"chain"`
	Store         StoreConfig     `toml:"store"`
	Postgres      PostgresConfig  `toml:"postgres"`
	Redis         RedisConfig     `toml:"redis"`
	S3            S3Config        `toml:"s3"`
	Archive       ArchiveConfig   `toml:"archive"`
	Keeper        KeeperConfig    `toml:"keeper"`
	Server        ServerConfig    `toml:"server"`
	Notify        NotifyConfig    `toml:"notify"`
	Collaborators string          `toml:"collaborators"`
	Mode          string          `toml:"mode"`
	LogLevel      string          `toml:"log_level"`
}

// EngineConfig holds the wager lifecycle and economics parameters.
type EngineConfig struct {
	// Owner may call the administrative setters.
	Owner string `toml:"owner"`
	// EscrowAddress is the account that holds staked funds. When empty the
	// operator wallet address is used.
	EscrowAddress    string   `toml:"escrow_address"`
	ExpirationWindow duration `toml:"expiration_window"`
	GraceWindow      duration `toml:"grace_window"`
	FeeBps           int64    `toml:"fee_bps"`
	KeeperRewardBps  int64    `toml:"keeper_reward_bps"`
	RewardMultiplier string   `toml:"reward_multiplier"`
	LockTTL          duration `toml:"lock_ttl"`
}

// LiquidityConfig holds the AMM collaborators and fee processing parameters.
type LiquidityConfig struct {
	ReserveAsset    string   `toml:"reserve_asset"`
	Router          string   `toml:"router"`
	Factory         string   `toml:"factory"`
	RewardToken     string   `toml:"reward_token"`
	MaxSlippageBps  int64    `toml:"max_slippage_bps"`
	Deadline        duration `toml:"deadline"`
	WorkerInterval  duration `toml:"worker_interval"`
	QueueSize       int      `toml:"queue_size"`
	RateLimitPerSec float64  `toml:"rate_limit_per_sec"`
}

// ChainConfig holds the RPC endpoint and the operator wallet credentials.
type ChainConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
}

// StoreConfig selects the wager record backend.
type StoreConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	Namespace    string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the settlement-history export to object storage.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// KeeperConfig controls the background expiry sweeper.
type KeeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Batch    int      `toml:"batch"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "60m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, gates the administrative endpoints in addition to
	// the owner signature.
	APIKey           string   `toml:"api_key"`
	SignatureMaxSkew duration `toml:"signature_max_skew"`
	RateLimitPerMin  int      `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ExpirationWindow: duration{60 * time.Minute},
			GraceWindow:      duration{60 * time.Minute},
			FeeBps:           0,
			KeeperRewardBps:  100,
			RewardMultiplier: "1",
			LockTTL:          duration{30 * time.Second},
		},
		Liquidity: LiquidityConfig{
			MaxSlippageBps:  100,
			Deadline:        duration{10 * time.Minute},
			WorkerInterval:  duration{time.Minute},
			QueueSize:       256,
			RateLimitPerSec: 2,
		},
		Chain: ChainConfig{
			RPCURL:         "http://localhost:8545",
			ChainID:        43114,
			ReceiptTimeout: duration{2 * time.Minute},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			Namespace:    "flippening",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flippening-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Interval: duration{30 * time.Second},
			Batch:    50,
		},
		Server: ServerConfig{
			Enabled:          true,
			Port:             8000,
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			SignatureMaxSkew: duration{5 * time.Minute},
			RateLimitPerMin:  120,
		},
		Notify: NotifyConfig{
			Events: []string{"settled", "liquidity_failed", "error"},
		},
		Collaborators: "simulated",
		Mode:          "full",
		LogLevel:      "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"keeper":  true,
	"fees":    true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, keeper, fees, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.Owner != "" && !common.IsHexAddress(c.Engine.Owner) {
		errs = append(errs, fmt.Sprintf("engine: owner %q is not a hex address", c.Engine.Owner))
	}
	if c.Engine.EscrowAddress != "" && !common.IsHexAddress(c.Engine.EscrowAddress) {
		errs = append(errs, fmt.Sprintf("engine: escrow_address %q is not a hex address", c.Engine.EscrowAddress))
	}
	if c.Engine.ExpirationWindow.Duration <= 0 {
		errs = append(errs, "engine: expiration_window must be > 0")
	}
	if c.Engine.GraceWindow.Duration < 0 {
		errs = append(errs, "engine: grace_window must be >= 0")
	}
	if c.Engine.FeeBps < 0 || c.Engine.KeeperRewardBps < 0 {
		errs = append(errs, "engine: fee_bps and keeper_reward_bps must be >= 0")
	}
	if c.Engine.FeeBps+c.Engine.KeeperRewardBps > 10_000 {
		errs = append(errs, "engine: fee_bps + keeper_reward_bps must not exceed 10000")
	}
	if m, err := decimal.NewFromString(c.Engine.RewardMultiplier); err != nil {
		errs = append(errs, fmt.Sprintf("engine: reward_multiplier %q is not a decimal", c.Engine.RewardMultiplier))
	} else if m.IsNegative() {
		errs = append(errs, "engine: reward_multiplier must be >= 0")
	}

	// Liquidity
	for name, v := range map[string]string{
		"reserve_asset": c.Liquidity.ReserveAsset,
		"router":        c.Liquidity.Router,
		"factory":       c.Liquidity.Factory,
		"reward_token":  c.Liquidity.RewardToken,
	} {
		if v != "" && !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("liquidity: %s %q is not a hex address", name, v))
		}
	}
	if c.Liquidity.MaxSlippageBps < 0 || c.Liquidity.MaxSlippageBps > 10_000 {
		errs = append(errs, "liquidity: max_slippage_bps must be 0-10000")
	}
	if c.Liquidity.RateLimitPerSec <= 0 {
		errs = append(errs, "liquidity: rate_limit_per_sec must be > 0")
	}

	// Collaborators
	switch c.Collaborators {
	case "simulated":
	case "chain":
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must be set when collaborators = \"chain\"")
		}
		if c.Chain.PrivateKey == "" && c.Chain.EncryptedKeyPath == "" {
			errs = append(errs, "chain: either private_key or encrypted_key_path must be set")
		}
		if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
			errs = append(errs, "chain: key_password is required when encrypted_key_path is set")
		}
		if c.Liquidity.ReserveAsset == "" || c.Liquidity.Router == "" || c.Liquidity.Factory == "" {
			errs = append(errs, "liquidity: reserve_asset, router and factory are required on chain")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown collaborators %q (valid: simulated, chain)", c.Collaborators))
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q (valid: memory, postgres)", c.Store.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled || strings.EqualFold(c.Mode, "archive") {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
	}

	// Keeper
	if c.Keeper.Enabled && c.Keeper.Interval.Duration <= 0 {
		errs = append(errs, "keeper: interval must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Address parses an optional hex address; empty yields the zero address.
func Address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// Multiplier returns the parsed reward multiplier. Validate guarantees it
// parses; an unparsable value falls back to one.
func (e EngineConfig) Multiplier() decimal.Decimal {
	m, err := decimal.NewFromString(e.RewardMultiplier)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return m
}

// LogLevel maps a configured level name to its slog level. Unknown names
// yield info.
func LogLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
