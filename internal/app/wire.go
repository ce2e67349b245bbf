package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/0xrin1/flippening/internal/blob/s3"
	memcache "github.com/0xrin1/flippening/internal/cache/memory"
	"github.com/0xrin1/flippening/internal/cache/redis"
	"github.com/0xrin1/flippening/internal/chain"
	"github.com/0xrin1/flippening/internal/config"
	"github.com/0xrin1/flippening/internal/crypto"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/ledger"
	"github.com/0xrin1/flippening/internal/metrics"
	"github.com/0xrin1/flippening/internal/notify"
	"github.com/0xrin1/flippening/internal/server/handler"
	memstore "github.com/0xrin1/flippening/internal/store/memory"
	"github.com/0xrin1/flippening/internal/store/postgres"
)

// simulatedEscrow holds stakes when no escrow address is configured.
var simulatedEscrow = common.HexToAddress("0x000000000000000000000000000000000000f11b")

// WagerStore is the wager record store plus the history query used by the
// archiver and the history endpoint.
type WagerStore interface {
	domain.WagerStore
	ListResolved(ctx context.Context, opts domain.ListOpts) ([]domain.Wager, error)
}

// Dependencies bundles every collaborator the modes need. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Wagers WagerStore
	Fees   domain.FeeStore
	Supply domain.SupplyStore
	Audit  domain.AuditStore

	// Coordination
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Limiter domain.RateLimiter

	// Token and AMM collaborators
	Ledger        domain.TokenLedger
	Reward        domain.RewardToken
	Router        domain.AMMRouter
	Factory       domain.AMMFactory
	Collaborators handler.Collaborators
	// Operator receives keeper rewards for sweeps run by this process.
	Operator common.Address

	// Archiving
	Archiver domain.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.EngineMetrics
	Health   map[string]handler.HealthCheck
}

// Wire constructs the concrete dependencies selected by cfg and returns them
// together with a cleanup function to call on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Health:  make(map[string]handler.HealthCheck),
	}

	// --- Wager records ---
	switch cfg.Store.Backend {
	case "postgres":
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Wagers = postgres.NewWagerStore(pool)
		deps.Fees = postgres.NewFeeStore(pool)
		deps.Supply = postgres.NewSupplyStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pool.Ping
	default:
		deps.Wagers = memstore.NewWagerStore()
		deps.Fees = memstore.NewFeeStore()
		deps.Supply = memstore.NewSupplyStore()
		deps.Audit = memstore.NewAuditStore()
	}

	// --- Locks, bus and rate limiting ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient, int64(cfg.Redis.StreamMaxLen))
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Health["redis"] = redisClient.Ping
	} else {
		deps.Locks = memcache.NewLockManager()
		deps.Bus = memcache.NewSignalBus(cfg.Redis.StreamMaxLen)
		deps.Limiter = memcache.NewRateLimiter()
	}

	// --- Token and AMM collaborators ---
	switch cfg.Collaborators {
	case "chain":
		if err := wireChain(ctx, cfg, deps, logger); err != nil {
			return fail(err)
		}
	default:
		wireSimulated(cfg, deps)
	}

	// --- Archive ---
	if cfg.Archive.Enabled || strings.EqualFold(cfg.Mode, "archive") {
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewWagerArchiver(
			deps.Wagers,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Audit,
			logger,
		)
		deps.Health["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireSimulated backs every collaborator with the in-process ledger and AMM.
func wireSimulated(cfg *config.Config, deps *Dependencies) {
	escrow := config.Address(cfg.Engine.EscrowAddress)
	if escrow == (common.Address{}) {
		escrow = simulatedEscrow
	}
	l := ledger.New(escrow)
	amm := ledger.NewAMM(l)

	deps.Ledger = l
	deps.Router = amm
	deps.Factory = amm
	deps.Operator = escrow
	deps.Collaborators = simulatedCollaborators{ledger: l, amm: amm}
	if rt := cfg.Liquidity.RewardToken; rt != "" {
		deps.Reward = ledger.NewRewardToken(l, common.HexToAddress(rt))
	}
}

// wireChain binds the collaborators to deployed contracts through the
// operator wallet.
func wireChain(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Chain.PrivateKey,
		EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
		KeyPassword:      cfg.Chain.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("wire: operator key: %w", err)
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, key, cfg.Chain.ChainID, chain.Options{
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
	}, logger)
	if err != nil {
		return fmt.Errorf("wire: %w", err)
	}

	collab := chainCollaborators{client: client}
	deps.Ledger = chain.NewLedger(client)
	deps.Router = collab.Router(common.HexToAddress(cfg.Liquidity.Router))
	deps.Factory = collab.Factory(common.HexToAddress(cfg.Liquidity.Factory))
	deps.Operator = client.Address()
	deps.Collaborators = collab
	if rt := cfg.Liquidity.RewardToken; rt != "" {
		deps.Reward = collab.RewardToken(common.HexToAddress(rt))
	}

	logger.InfoContext(ctx, "chain collaborators wired",
		slog.String("operator", client.Address().Hex()),
		slog.String("rpc", cfg.Chain.RPCURL),
	)
	return nil
}

// simulatedCollaborators resolves admin-supplied addresses against the
// in-process ledger. Every router and factory address maps to the single
// simulated AMM.
type simulatedCollaborators struct {
	ledger *ledger.Ledger
	amm    *ledger.AMM
}

func (s simulatedCollaborators) RewardToken(addr common.Address) domain.RewardToken {
	return ledger.NewRewardToken(s.ledger, addr)
}

func (s simulatedCollaborators) Router(common.Address) domain.AMMRouter { return s.amm }

func (s simulatedCollaborators) Factory(common.Address) domain.AMMFactory { return s.amm }

// chainCollaborators binds addresses to contract clients.
type chainCollaborators struct {
	client *chain.Client
}

func (c chainCollaborators) RewardToken(addr common.Address) domain.RewardToken {
	return chain.NewRewardToken(c.client, addr)
}

func (c chainCollaborators) Router(addr common.Address) domain.AMMRouter {
	return chain.NewRouter(c.client, addr)
}

func (c chainCollaborators) Factory(addr common.Address) domain.AMMFactory {
	return chain.NewFactory(c.client, addr)
}
