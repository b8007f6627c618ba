// Package config defines the volbet configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by VOLBET_* environment variables.
type Config struct {
	Game     GameConfig     `toml:"game"`
	Oracle   OracleConfig   `toml:"oracle"`
	Chain    ChainConfig    `toml:"chain"`
	Wallet   WalletConfig   `toml:"wallet"`
	Driver   DriverConfig   `toml:"driver"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// GameConfig holds the round and fee parameters. Amounts are decimal wei.
type GameConfig struct {
	Window           duration `toml:"window"`
	EntryFee         string   `toml:"entry_fee"`
	FeeBps           uint64   `toml:"fee_bps"`
	MaxPot           string   `toml:"max_pot"` // empty means unbounded
	InitialThreshold uint64   `toml:"initial_threshold"`
	OriginID         uint64   `toml:"origin_id"`
	TransferTimeout  duration `toml:"transfer_timeout"`
}

// EntryFeeWei parses EntryFee.
func (g GameConfig) EntryFeeWei() (uint256.Int, error) {
	return parseWei("entry_fee", g.EntryFee)
}

// MaxPotWei parses MaxPot; zero means unbounded.
func (g GameConfig) MaxPotWei() (uint256.Int, error) {
	if strings.TrimSpace(g.MaxPot) == "" {
		return uint256.Int{}, nil
	}
	return parseWei("max_pot", g.MaxPot)
}

// OracleConfig selects the price feed. Without an RPC URL (here or in
// [chain]) the static simulation price is used.
type OracleConfig struct {
	RPCURL      string   `toml:"rpc_url"`
	FeedAddress string   `toml:"feed_address"`
	Feed        string   `toml:"feed"` // cache key name, e.g. "btc-usd"
	MaxAge      duration `toml:"max_age"`
	Timeout     duration `toml:"timeout"`
	StaticPrice int64    `toml:"static_price"`
}

// ChainConfig holds the payout chain parameters.
type ChainConfig struct {
	RPCURL    string `toml:"rpc_url"`
	ChainID   int64  `toml:"chain_id"`
	MaxFeeCap string `toml:"max_fee_cap"` // wei per gas; empty disables the cap
}

// Simulated reports whether payouts go to the in-memory book instead of a
// chain.
func (c ChainConfig) Simulated() bool {
	return strings.TrimSpace(c.RPCURL) == ""
}

// WalletConfig holds the protocol wallet key.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DriverConfig holds the settlement ticker parameters.
type DriverConfig struct {
	Interval     duration `toml:"interval"`
	AlertAfter   int      `toml:"alert_after"`
	LockTTL      duration `toml:"lock_ttl"`
	StoreTimeout duration `toml:"store_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// round history lives in memory.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters. Redis backs the settlement
// lock, price cache, rate limiter and event relay.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds the archive bucket and schedule.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
	ArchiveAfter    duration `toml:"archive_after"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Enabled          bool     `toml:"enabled"`
	Port             int      `toml:"port"`
	CORSOrigins      []string `toml:"cors_origins"`
	APIKey           string   `toml:"api_key"`
	RequireSignature bool     `toml:"require_signature"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	WebhookURL        string   `toml:"webhook_url"`
	WebhookSecret     string   `toml:"webhook_secret"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration so TOML can decode strings like "15m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Chainlink BTC/USD aggregator on Base.
const DefaultFeedAddress = "0x64c911996D3c6aC71f9b455B1E8E7266BcbD848F"

// Defaults returns the configuration used for any field the file omits.
func Defaults() Config {
	return Config{
		Game: GameConfig{
			Window:          duration{15 * time.Minute},
			EntryFee:        "1000000000000", // 0.000001 ETH
			FeeBps:          1000,
			TransferTimeout: duration{30 * time.Second},
		},
		Oracle: OracleConfig{
			FeedAddress: DefaultFeedAddress,
			Feed:        "btc-usd",
			MaxAge:      duration{time.Hour},
			Timeout:     duration{10 * time.Second},
			StaticPrice: 6_000_000_000_000, // 60000.00000000
		},
		Chain: ChainConfig{
			ChainID: 8453,
		},
		Driver: DriverConfig{
			Interval:     duration{15 * time.Minute},
			AlertAfter:   3,
			LockTTL:      duration{2 * time.Minute},
			StoreTimeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "volbet",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "volbet:",
			PriceTTL:   duration{time.Hour},
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "volbet-archive",
			ForcePathStyle:  true,
			ArchiveInterval: duration{24 * time.Hour},
			ArchiveAfter:    duration{7 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"payout_failed", "stale_price", "driver_failing", "round_settled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"settle": true, // driver and archive only
	"serve":  true, // HTTP API only
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: settle, serve, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Game
	if c.Game.Window.Duration <= 0 {
		errs = append(errs, "game: window must be > 0")
	}
	if _, err := c.Game.EntryFeeWei(); err != nil {
		errs = append(errs, "game: "+err.Error())
	}
	if _, err := c.Game.MaxPotWei(); err != nil {
		errs = append(errs, "game: "+err.Error())
	}
	if c.Game.FeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("game: fee_bps must be <= 10000, got %d", c.Game.FeeBps))
	}

	// Oracle
	if !c.Chain.Simulated() || c.Oracle.RPCURL != "" {
		if !common.IsHexAddress(c.Oracle.FeedAddress) {
			errs = append(errs, fmt.Sprintf("oracle: feed_address %q is not an address", c.Oracle.FeedAddress))
		}
	} else if c.Oracle.StaticPrice <= 0 {
		errs = append(errs, "oracle: static_price must be > 0 in simulation")
	}
	if c.Oracle.MaxAge.Duration < 0 {
		errs = append(errs, "oracle: max_age must be >= 0")
	}

	// Chain and wallet
	if !c.Chain.Simulated() {
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be > 0")
		}
		if c.Chain.MaxFeeCap != "" {
			if _, err := parseWei("max_fee_cap", c.Chain.MaxFeeCap); err != nil {
				errs = append(errs, "chain: "+err.Error())
			}
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: private_key or encrypted_key_path is required when chain.rpc_url is set")
		}
	}

	// Driver
	if c.Driver.Interval.Duration <= 0 {
		errs = append(errs, "driver: interval must be > 0")
	}
	if c.Driver.AlertAfter < 0 {
		errs = append(errs, "driver: alert_after must be >= 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			errs = append(errs, "postgres: dsn or host is required")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
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

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func parseWei(field, s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%s %q is not a wei amount: %w", field, s, err)
	}
	return *v, nil
}
