package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/volbet/internal/blob/s3"
	"github.com/alanyoungcy/volbet/internal/cache/redis"
	"github.com/alanyoungcy/volbet/internal/config"
	"github.com/alanyoungcy/volbet/internal/crypto"
	"github.com/alanyoungcy/volbet/internal/domain"
	"github.com/alanyoungcy/volbet/internal/eventlog"
	"github.com/alanyoungcy/volbet/internal/ledger"
	"github.com/alanyoungcy/volbet/internal/notify"
	"github.com/alanyoungcy/volbet/internal/oracle"
	"github.com/alanyoungcy/volbet/internal/round"
	"github.com/alanyoungcy/volbet/internal/server/handler"
	"github.com/alanyoungcy/volbet/internal/settlement"
	"github.com/alanyoungcy/volbet/internal/store/memory"
	"github.com/alanyoungcy/volbet/internal/store/postgres"
	"github.com/alanyoungcy/volbet/internal/transfer"
)

// Dependencies bundles the infrastructure the modes run on. Optional parts
// are nil when their section is disabled.
type Dependencies struct {
	Rounds  domain.RoundStore
	Payouts domain.PayoutStore
	Audit   domain.AuditStore

	// Redis
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Checks   map[string]handler.Check
}

// Wire connects every configured backend and returns the dependencies with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- Round history: Postgres, or the in-memory arena ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pg.Pool()
		deps.Rounds = postgres.NewRoundStore(pool)
		deps.Payouts = postgres.NewPayoutStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pg.Ping
	} else {
		logger.WarnContext(ctx, "postgres disabled, round history is kept in memory only")
		arena := memory.New()
		deps.Rounds = arena
		deps.Payouts = arena
		deps.Audit = arena
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.PriceCache = redis.NewPriceCache(rc, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc.Ping
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		reader := s3blob.NewReader(sc)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), reader, deps.Rounds, deps.Audit, logger)
		deps.Checks["s3"] = sc.Health
	}

	deps.Notifier = notify.NewNotifier(buildSenders(cfg.Notify), cfg.Notify.Events, logger)
	return deps, cleanup, nil
}

func buildSenders(cfg config.NotifyConfig) []notify.Sender {
	var senders []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramAPIURL, cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	if cfg.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret))
	}
	return senders
}

// Core is the settlement core built on top of the dependencies.
type Core struct {
	Engine *settlement.Engine
	Events *eventlog.Log
}

// BuildCore assembles oracle, transferer, ledger, round machine and engine,
// then restores the latest round from history. Without RPC URLs it runs
// against the static price and the in-memory balance book.
func BuildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	src, latest, closeOracle, err := buildOracle(ctx, cfg, deps, logger)
	if err != nil {
		return nil, nil, err
	}
	if closeOracle != nil {
		closers = append(closers, closeOracle)
	}

	xfer, closeXfer, err := buildTransferer(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if closeXfer != nil {
		closers = append(closers, closeXfer)
	}

	entryFee, err := cfg.Game.EntryFeeWei()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	maxPot, err := cfg.Game.MaxPotWei()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	events := eventlog.New(0)
	l := ledger.New(ledger.Config{
		FeeBps:          cfg.Game.FeeBps,
		MaxPot:          maxPot,
		TransferTimeout: cfg.Game.TransferTimeout.Duration,
	}, xfer, logger)
	machine := round.New(round.Config{
		Window:   cfg.Game.Window.Duration,
		EntryFee: entryFee,
		OriginID: cfg.Game.OriginID,
	}, l, events)

	d := settlement.Deps{
		Machine: machine,
		Ledger:  l,
		Oracle:  src,
		Events:  events,
		Rounds:  deps.Rounds,
		Payouts: deps.Payouts,
		Audit:   deps.Audit,
		Logger:  logger,
	}
	// Typed nils must not leak into the optional interfaces.
	if latest != nil {
		d.Latest = latest
	}
	if deps.LockManager != nil {
		d.Locks = deps.LockManager
	}
	if deps.Notifier != nil {
		d.Notifier = deps.Notifier
	}

	engine := settlement.NewEngine(settlement.Config{
		MaxPriceAge:      cfg.Oracle.MaxAge.Duration,
		OracleTimeout:    cfg.Oracle.Timeout.Duration,
		StoreTimeout:     cfg.Driver.StoreTimeout.Duration,
		LockTTL:          cfg.Driver.LockTTL.Duration,
		InitialThreshold: cfg.Game.InitialThreshold,
	}, d)
	if err := engine.Restore(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	return &Core{Engine: engine, Events: events}, cleanup, nil
}

// buildOracle returns the price source and, when Redis is wired, the cached
// view the read API serves from.
func buildOracle(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.PriceOracle, *oracle.Cached, func(), error) {
	rpcURL := cfg.Oracle.RPCURL
	if rpcURL == "" {
		rpcURL = cfg.Chain.RPCURL
	}

	var (
		src     domain.PriceOracle
		closeFn func()
	)
	if rpcURL == "" {
		logger.WarnContext(ctx, "no oracle rpc configured, using static price",
			slog.Int64("price", cfg.Oracle.StaticPrice))
		src = oracle.NewStatic(cfg.Oracle.StaticPrice, 8)
	} else {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("wire: oracle rpc: %w", err)
		}
		feed, err := oracle.NewChainlink(client, common.HexToAddress(cfg.Oracle.FeedAddress))
		if err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("wire: %w", err)
		}
		src = oracle.NewGuard(feed, cfg.Oracle.MaxAge.Duration, cfg.Oracle.Timeout.Duration)
		closeFn = client.Close
		logger.InfoContext(ctx, "chainlink oracle configured", slog.String("feed", feed.Feed().Hex()))
	}

	if deps.PriceCache == nil {
		return src, nil, closeFn, nil
	}
	cached := oracle.NewCached(src, deps.PriceCache, cfg.Oracle.Feed, logger)
	return cached, cached, closeFn, nil
}

// buildTransferer returns the payout transferer: the balance book in
// simulation, EIP-1559 ETH transfers otherwise.
func buildTransferer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Transferer, func(), error) {
	if cfg.Chain.Simulated() {
		logger.WarnContext(ctx, "no chain rpc configured, payouts go to the in-memory balance book")
		return transfer.NewBook(), nil, nil
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: wallet: %w", err)
	}
	signer := crypto.NewSigner(key, cfg.Chain.ChainID)

	var maxFeeCap *big.Int
	if s := strings.TrimSpace(cfg.Chain.MaxFeeCap); s != "" {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: chain max_fee_cap: %w", err)
		}
		maxFeeCap = v.ToBig()
	}

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: chain rpc: %w", err)
	}
	logger.InfoContext(ctx, "eth payouts configured",
		slog.String("operator", signer.Address().Hex()),
		slog.Int64("chain_id", cfg.Chain.ChainID),
	)
	return transfer.NewETH(client, signer, maxFeeCap, logger), client.Close, nil
}
