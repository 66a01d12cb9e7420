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
// built-in defaults, applies ANCHORHUB_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known ANCHORHUB_* environment variables
// and overwrites the corresponding Config fields when a variable is set
// (i.e. not empty). This lets operators inject secrets at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "ANCHORHUB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "ANCHORHUB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "ANCHORHUB_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "ANCHORHUB_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "ANCHORHUB_CHAIN_ID")
	setStr(&cfg.Chain.AnchorAddress, "ANCHORHUB_CHAIN_ANCHOR_ADDRESS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ANCHORHUB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ANCHORHUB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ANCHORHUB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ANCHORHUB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ANCHORHUB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ANCHORHUB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ANCHORHUB_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ANCHORHUB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ANCHORHUB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ANCHORHUB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ANCHORHUB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ANCHORHUB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ANCHORHUB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ANCHORHUB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ANCHORHUB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ANCHORHUB_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ANCHORHUB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ANCHORHUB_S3_REGION")
	setStr(&cfg.S3.Bucket, "ANCHORHUB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ANCHORHUB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ANCHORHUB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ANCHORHUB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ANCHORHUB_S3_FORCE_PATH_STYLE")

	// ── Operator ──
	setDuration(&cfg.Operator.PollInterval, "ANCHORHUB_OPERATOR_POLL_INTERVAL")
	setInt(&cfg.Operator.CommitRetries, "ANCHORHUB_OPERATOR_COMMIT_RETRIES")
	setStr(&cfg.Operator.LeaseKey, "ANCHORHUB_OPERATOR_LEASE_KEY")
	setInt(&cfg.Operator.LeaseTTLSecs, "ANCHORHUB_OPERATOR_LEASE_TTL_SECS")
	setStr(&cfg.Operator.RoundSource, "ANCHORHUB_OPERATOR_ROUND_SOURCE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ANCHORHUB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ANCHORHUB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ANCHORHUB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ANCHORHUB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ANCHORHUB_LOG_LEVEL")
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
