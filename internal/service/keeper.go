package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// Keeper expires guessed wagers whose creators never revealed, collecting
// the keeper reward for the operator account.
type Keeper struct {
	wagers     domain.WagerStore
	controller *Controller
	operator   common.Address
	interval   time.Duration
	batch      int
	now        func() time.Time
	logger     *slog.Logger
}

// NewKeeper creates a Keeper that sweeps every interval.
func NewKeeper(wagers domain.WagerStore, controller *Controller, operator common.Address, interval time.Duration, batch int, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Keeper{
		wagers:     wagers,
		controller: controller,
		operator:   operator,
		interval:   interval,
		batch:      batch,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "keeper")),
	}
}

// WithClock replaces the clock used to find expirable wagers.
func (k *Keeper) WithClock(now func() time.Time) *Keeper {
	k.now = now
	return k
}

// Sweep expires every wager past its grace window, up to the batch size.
// Wagers settled by someone else in the meantime are skipped.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	due, err := k.wagers.ListExpirable(ctx, k.now(), k.batch)
	if err != nil {
		return 0, fmt.Errorf("keeper: list expirable: %w", err)
	}
	expired := 0
	for _, w := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		_, err := k.controller.Expire(ctx, w.ID, k.operator)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrAlreadySettled):
			k.logger.DebugContext(ctx, "wager settled before expiry", slog.Uint64("wager_id", w.ID))
		default:
			k.logger.WarnContext(ctx, "expire failed",
				slog.Uint64("wager_id", w.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return expired, nil
}

// Run sweeps every interval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started",
		slog.String("operator", k.operator.Hex()),
		slog.Duration("interval", k.interval),
	)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := k.Sweep(ctx)
			if err != nil {
				k.logger.ErrorContext(ctx, "keeper sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				k.logger.InfoContext(ctx, "keeper sweep completed", slog.Int("expired", n))
			}
		}
	}
}
