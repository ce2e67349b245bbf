package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xrin1/flippening/internal/config"
	"github.com/0xrin1/flippening/internal/crypto"
	"github.com/0xrin1/flippening/internal/pipeline"
	"github.com/0xrin1/flippening/internal/server"
	"github.com/0xrin1/flippening/internal/server/handler"
	"github.com/0xrin1/flippening/internal/server/ws"
	"github.com/0xrin1/flippening/internal/service"
)

// payoutRetryInterval is how often undelivered settlement legs are retried.
const payoutRetryInterval = time.Minute

// services holds the engine components shared by every mode.
type services struct {
	settlement *service.SettlementEngine
	liquidity  *service.LiquidityManager
	controller *service.Controller
	admin      *service.Admin
}

func (a *App) buildServices(deps *Dependencies) *services {
	cfg := a.cfg
	events := service.NewEventPublisher(deps.Audit, deps.Bus, deps.Notifier, a.logger)

	settlement := service.NewSettlementEngine(
		deps.Wagers, deps.Supply, deps.Fees, deps.Ledger, deps.Reward, deps.Locks,
		service.Economics{
			FeeBps:           cfg.Engine.FeeBps,
			KeeperRewardBps:  cfg.Engine.KeeperRewardBps,
			RewardMultiplier: cfg.Engine.Multiplier(),
		},
		deps.Metrics, a.logger,
	)
	liquidity := service.NewLiquidityManager(
		deps.Fees, deps.Ledger, settlement, deps.Router, deps.Factory, events, deps.Metrics,
		service.LiquidityConfig{
			ReserveAsset:   config.Address(cfg.Liquidity.ReserveAsset),
			MaxSlippageBps: cfg.Liquidity.MaxSlippageBps,
			Deadline:       cfg.Liquidity.Deadline.Duration,
			SweepInterval:  cfg.Liquidity.WorkerInterval.Duration,
			QueueSize:      cfg.Liquidity.QueueSize,
			RateLimit:      cfg.Liquidity.RateLimitPerSec,
		},
		a.logger,
	)
	controller := service.NewController(
		deps.Wagers, deps.Ledger, settlement, liquidity, deps.Locks, events, deps.Metrics,
		service.ControllerConfig{
			ExpirationWindow: cfg.Engine.ExpirationWindow.Duration,
			GraceWindow:      cfg.Engine.GraceWindow.Duration,
			LockTTL:          cfg.Engine.LockTTL.Duration,
		},
		a.logger,
	)
	owner := deps.Operator
	if cfg.Engine.Owner != "" {
		owner = config.Address(cfg.Engine.Owner)
	}
	return &services{
		settlement: settlement,
		liquidity:  liquidity,
		controller: controller,
		admin:      service.NewAdmin(owner, settlement, liquidity, deps.Audit, a.logger),
	}
}

// ServeMode runs the HTTP and WebSocket API together with payout retries.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startNotifier(ctx, g, deps)
	a.startPayoutRetry(ctx, g, svc)
	a.startHTTPServer(ctx, g, deps, svc)

	return g.Wait()
}

// KeeperMode runs only the expiry sweeper and payout retries.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startNotifier(ctx, g, deps)
	a.startPayoutRetry(ctx, g, svc)
	a.startKeeper(ctx, g, deps, svc)

	return g.Wait()
}

// FeesMode runs only the fee-to-liquidity worker.
func (a *App) FeesMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting fees mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startNotifier(ctx, g, deps)
	g.Go(func() error {
		return svc.liquidity.Run(ctx)
	})

	return g.Wait()
}

// ArchiveMode exports resolved wagers older than the retention window once
// and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not configured")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	n, err := archiver.Run(ctx)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode finished", slog.Int64("archived", n))
	return nil
}

// FullMode starts every subsystem in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startNotifier(ctx, g, deps)
	a.startPayoutRetry(ctx, g, svc)
	g.Go(func() error {
		return svc.liquidity.Run(ctx)
	})
	if a.cfg.Keeper.Enabled {
		a.startKeeper(ctx, g, deps, svc)
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return archiver.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}

	return g.Wait()
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !deps.Notifier.Enabled() {
		return
	}
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

func (a *App) startPayoutRetry(ctx context.Context, g *errgroup.Group, svc *services) {
	g.Go(func() error {
		return svc.settlement.Run(ctx, payoutRetryInterval)
	})
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	keeper := service.NewKeeper(deps.Wagers, svc.controller, deps.Operator,
		a.cfg.Keeper.Interval.Duration, a.cfg.Keeper.Batch, a.logger)
	g.Go(func() error {
		return keeper.Run(ctx)
	})
}

// startHTTPServer adds the API server and WebSocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	hub := ws.NewHub(deps.Bus, ws.Config{
		Channel:        service.EventsChannel,
		Mode:           a.cfg.Mode,
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(
		server.Config{
			Port:            a.cfg.Server.Port,
			CORSOrigins:     a.cfg.Server.CORSOrigins,
			APIKey:          a.cfg.Server.APIKey,
			RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		},
		server.Handlers{
			Health:  handler.NewHealthHandler(deps.Health),
			Wagers:  handler.NewWagerHandler(svc.controller, a.logger),
			Fees:    handler.NewFeeHandler(svc.liquidity, svc.settlement, a.logger),
			Admin:   handler.NewAdminHandler(svc.admin, deps.Collaborators, a.logger),
			History: handler.NewHistoryHandler(deps.Wagers, deps.Audit, a.logger),
			Metrics: deps.Metrics.Handler(),
		},
		server.Deps{
			Verifier: crypto.NewVerifier(a.cfg.Server.SignatureMaxSkew.Duration),
			Limiter:  deps.Limiter,
			Hub:      hub,
		},
		a.logger,
	)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
