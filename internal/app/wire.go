package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/anchorhub/internal/blob/s3"
	"github.com/alanyoungcy/anchorhub/internal/cache/redis"
	"github.com/alanyoungcy/anchorhub/internal/chain"
	"github.com/alanyoungcy/anchorhub/internal/config"
	"github.com/alanyoungcy/anchorhub/internal/crypto"
	"github.com/alanyoungcy/anchorhub/internal/domain"
	"github.com/alanyoungcy/anchorhub/internal/ledger"
	"github.com/alanyoungcy/anchorhub/internal/notify"
	"github.com/alanyoungcy/anchorhub/internal/operator"
	"github.com/alanyoungcy/anchorhub/internal/store/memory"
	"github.com/alanyoungcy/anchorhub/internal/store/postgres"
)

// Dependencies bundles everything the application needs to run. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Stores   domain.Stores
	Cache    domain.BalanceCache
	Lease    domain.LeaseManager
	Signer   *crypto.Signer
	Anchor   chain.Anchor
	Ledger   *ledger.Ledger
	Operator *operator.Operator
	Archiver *s3blob.RoundArchiver
	Notifier *notify.Notifier
	Relay    *notify.Relay
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Operator signing key ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: load key: %w", err)
	}
	deps.Signer, err = crypto.NewSigner(keyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: signer: %w", err)
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.Stores = postgres.NewStores(pgClient)

	// --- Redis (optional; in-process fallback when no addr is set) ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Cache = redis.NewBalanceCache(redisClient)
		deps.Lease = redis.NewLeaseManager(redisClient)
	} else {
		deps.Cache = memory.NewBalanceCache()
	}

	// --- Anchor contract ---
	anchor, err := chain.NewEthAnchor(ctx, cfg.Chain.RPCURL, cfg.Chain.Anchor(), deps.Signer, cfg.Chain.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: anchor: %w", err)
	}
	closers = append(closers, anchor.Close)
	deps.Anchor = anchor

	// --- Ledger ---
	deps.Ledger = ledger.New(ledger.Config{
		Stores: deps.Stores,
		Cache:  deps.Cache,
		Logger: logger,
	})

	// --- Round calculator ---
	var rounds operator.RoundCalculator
	switch cfg.Operator.RoundSource {
	case "contract":
		rounds = &operator.ContractRoundCalculator{Anchor: deps.Anchor}
	default:
		rounds, err = operator.NewBlockRoundCalculator(ctx, deps.Anchor)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: round calculator: %w", err)
		}
	}

	// --- Operator ---
	deps.Operator = operator.New(operator.Config{
		Ledger:        deps.Ledger,
		Anchor:        deps.Anchor,
		Signer:        deps.Signer,
		Stores:        deps.Stores,
		Rounds:        rounds,
		Lease:         deps.Lease,
		Logger:        logger,
		PollInterval:  cfg.Operator.PollInterval.Duration,
		CommitRetries: cfg.Operator.CommitRetries,
		LeaseKey:      cfg.Operator.LeaseKey,
		LeaseTTLSecs:  cfg.Operator.LeaseTTLSecs,
	})

	// --- S3 round archive (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewRoundArchiver(s3Client, deps.Ledger, deps.Stores.Wallets)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Relay = notify.NewRelay(deps.Notifier, logger)

	return deps, cleanup, nil
}
