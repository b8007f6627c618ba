package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies VOLBET_*
// environment overrides (a .env file is loaded first when present). A
// missing file is not an error, so a bare environment is enough to run.
// The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose VOLBET_* variable is set and
// non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Game ──
	setDuration(&cfg.Game.Window, "VOLBET_GAME_WINDOW")
	setStr(&cfg.Game.EntryFee, "VOLBET_GAME_ENTRY_FEE")
	setUint64(&cfg.Game.FeeBps, "VOLBET_GAME_FEE_BPS")
	setStr(&cfg.Game.MaxPot, "VOLBET_GAME_MAX_POT")
	setUint64(&cfg.Game.InitialThreshold, "VOLBET_GAME_INITIAL_THRESHOLD")
	setUint64(&cfg.Game.OriginID, "VOLBET_GAME_ORIGIN_ID")
	setDuration(&cfg.Game.TransferTimeout, "VOLBET_GAME_TRANSFER_TIMEOUT")

	// ── Oracle ──
	setStr(&cfg.Oracle.RPCURL, "VOLBET_ORACLE_RPC_URL")
	setStr(&cfg.Oracle.FeedAddress, "VOLBET_ORACLE_FEED_ADDRESS")
	setStr(&cfg.Oracle.Feed, "VOLBET_ORACLE_FEED")
	setDuration(&cfg.Oracle.MaxAge, "VOLBET_ORACLE_MAX_AGE")
	setDuration(&cfg.Oracle.Timeout, "VOLBET_ORACLE_TIMEOUT")
	setInt64(&cfg.Oracle.StaticPrice, "VOLBET_ORACLE_STATIC_PRICE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "VOLBET_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "VOLBET_CHAIN_ID")
	setStr(&cfg.Chain.MaxFeeCap, "VOLBET_CHAIN_MAX_FEE_CAP")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "VOLBET_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "VOLBET_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "VOLBET_WALLET_KEY_PASSWORD")

	// ── Driver ──
	setDuration(&cfg.Driver.Interval, "VOLBET_DRIVER_INTERVAL")
	setInt(&cfg.Driver.AlertAfter, "VOLBET_DRIVER_ALERT_AFTER")
	setDuration(&cfg.Driver.LockTTL, "VOLBET_DRIVER_LOCK_TTL")
	setDuration(&cfg.Driver.StoreTimeout, "VOLBET_DRIVER_STORE_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "VOLBET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "VOLBET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "VOLBET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VOLBET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VOLBET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VOLBET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VOLBET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VOLBET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VOLBET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VOLBET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VOLBET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "VOLBET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VOLBET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VOLBET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VOLBET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VOLBET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "VOLBET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "VOLBET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "VOLBET_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "VOLBET_REDIS_PRICE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "VOLBET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VOLBET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VOLBET_S3_REGION")
	setStr(&cfg.S3.Bucket, "VOLBET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VOLBET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VOLBET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VOLBET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VOLBET_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "VOLBET_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.ArchiveAfter, "VOLBET_S3_ARCHIVE_AFTER")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "VOLBET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VOLBET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VOLBET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VOLBET_SERVER_API_KEY")
	setBool(&cfg.Server.RequireSignature, "VOLBET_SERVER_REQUIRE_SIGNATURE")
	setInt(&cfg.Server.RateLimit, "VOLBET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VOLBET_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPIURL, "VOLBET_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.TelegramToken, "VOLBET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "VOLBET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "VOLBET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookURL, "VOLBET_NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.WebhookSecret, "VOLBET_NOTIFY_WEBHOOK_SECRET")
	setStringSlice(&cfg.Notify.Events, "VOLBET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "VOLBET_MODE")
	setStr(&cfg.LogLevel, "VOLBET_LOG_LEVEL")
}

// Typed env helpers. Unparseable values are ignored.

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
