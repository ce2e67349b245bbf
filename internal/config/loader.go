package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FLIPPENING_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FLIPPENING_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Owner, "FLIPPENING_ENGINE_OWNER")
	setStr(&cfg.Engine.EscrowAddress, "FLIPPENING_ENGINE_ESCROW_ADDRESS")
	setDuration(&cfg.Engine.ExpirationWindow, "FLIPPENING_ENGINE_EXPIRATION_WINDOW")
	setDuration(&cfg.Engine.GraceWindow, "FLIPPENING_ENGINE_GRACE_WINDOW")
	setInt64(&cfg.Engine.FeeBps, "FLIPPENING_ENGINE_FEE_BPS")
	setInt64(&cfg.Engine.KeeperRewardBps, "FLIPPENING_ENGINE_KEEPER_REWARD_BPS")
	setStr(&cfg.Engine.RewardMultiplier, "FLIPPENING_ENGINE_REWARD_MULTIPLIER")
	setDuration(&cfg.Engine.LockTTL, "FLIPPENING_ENGINE_LOCK_TTL")

	// ── Liquidity ──
	setStr(&cfg.Liquidity.ReserveAsset, "FLIPPENING_LIQUIDITY_RESERVE_ASSET")
	setStr(&cfg.Liquidity.Router, "FLIPPENING_LIQUIDITY_ROUTER")
	setStr(&cfg.Liquidity.Factory, "FLIPPENING_LIQUIDITY_FACTORY")
	setStr(&cfg.Liquidity.RewardToken, "FLIPPENING_LIQUIDITY_REWARD_TOKEN")
	setInt64(&cfg.Liquidity.MaxSlippageBps, "FLIPPENING_LIQUIDITY_MAX_SLIPPAGE_BPS")
	setDuration(&cfg.Liquidity.Deadline, "FLIPPENING_LIQUIDITY_DEADLINE")
	setDuration(&cfg.Liquidity.WorkerInterval, "FLIPPENING_LIQUIDITY_WORKER_INTERVAL")
	setInt(&cfg.Liquidity.QueueSize, "FLIPPENING_LIQUIDITY_QUEUE_SIZE")
	setFloat64(&cfg.Liquidity.RateLimitPerSec, "FLIPPENING_LIQUIDITY_RATE_LIMIT_PER_SEC")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FLIPPENING_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "FLIPPENING_CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.PrivateKey, "FLIPPENING_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "FLIPPENING_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "FLIPPENING_CHAIN_KEY_PASSWORD")
	setDuration(&cfg.Chain.ReceiptTimeout, "FLIPPENING_CHAIN_RECEIPT_TIMEOUT")

	// ── Store ──
	setStr(&cfg.Store.Backend, "FLIPPENING_STORE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLIPPENING_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FLIPPENING_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLIPPENING_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLIPPENING_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLIPPENING_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLIPPENING_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLIPPENING_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLIPPENING_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLIPPENING_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLIPPENING_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FLIPPENING_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FLIPPENING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLIPPENING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLIPPENING_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLIPPENING_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FLIPPENING_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FLIPPENING_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "FLIPPENING_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.Namespace, "FLIPPENING_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FLIPPENING_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLIPPENING_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLIPPENING_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLIPPENING_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLIPPENING_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLIPPENING_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLIPPENING_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "FLIPPENING_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "FLIPPENING_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "FLIPPENING_ARCHIVE_RETENTION_DAYS")

	// ── Keeper ──
	setBool(&cfg.Keeper.Enabled, "FLIPPENING_KEEPER_ENABLED")
	setDuration(&cfg.Keeper.Interval, "FLIPPENING_KEEPER_INTERVAL")
	setInt(&cfg.Keeper.Batch, "FLIPPENING_KEEPER_BATCH")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLIPPENING_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "FLIPPENING_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "FLIPPENING_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "FLIPPENING_SERVER_API_KEY")
	setDuration(&cfg.Server.SignatureMaxSkew, "FLIPPENING_SERVER_SIGNATURE_MAX_SKEW")
	setInt(&cfg.Server.RateLimitPerMin, "FLIPPENING_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLIPPENING_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLIPPENING_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLIPPENING_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FLIPPENING_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Collaborators, "FLIPPENING_COLLABORATORS")
	setStr(&cfg.Mode, "FLIPPENING_MODE")
	setStr(&cfg.LogLevel, "FLIPPENING_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
