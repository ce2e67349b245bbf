package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// Admin exposes the owner-only configuration setters.
type Admin struct {
	owner      common.Address
	settlement *SettlementEngine
	liquidity  *LiquidityManager
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewAdmin creates an Admin guarded by owner. audit may be nil.
func NewAdmin(owner common.Address, settlement *SettlementEngine, liquidity *LiquidityManager, audit domain.AuditStore, logger *slog.Logger) *Admin {
	return &Admin{
		owner:      owner,
		settlement: settlement,
		liquidity:  liquidity,
		audit:      audit,
		logger:     logger.With(slog.String("component", "admin")),
	}
}

// Owner returns the configured owner.
func (a *Admin) Owner() common.Address { return a.owner }

func (a *Admin) authorize(caller common.Address, op string) error {
	if caller != a.owner {
		return fmt.Errorf("admin: %s by %s: %w", op, caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

func (a *Admin) record(ctx context.Context, event string, detail map[string]any) {
	a.logger.InfoContext(ctx, "configuration changed", slog.String("event", event))
	if a.audit == nil {
		return
	}
	if err := a.audit.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
}

// SetRewardToken installs the reward token.
func (a *Admin) SetRewardToken(ctx context.Context, caller common.Address, rt domain.RewardToken) error {
	if err := a.authorize(caller, "set reward token"); err != nil {
		return err
	}
	a.settlement.SetRewardToken(rt)
	a.record(ctx, "admin.reward_token", map[string]any{"address": rt.Address().Hex()})
	return nil
}

// SetRouter installs the AMM router.
func (a *Admin) SetRouter(ctx context.Context, caller common.Address, addr common.Address, r domain.AMMRouter) error {
	if err := a.authorize(caller, "set router"); err != nil {
		return err
	}
	a.liquidity.SetRouter(r)
	a.record(ctx, "admin.router", map[string]any{"address": addr.Hex()})
	return nil
}

// SetFactory installs the AMM factory.
func (a *Admin) SetFactory(ctx context.Context, caller common.Address, addr common.Address, f domain.AMMFactory) error {
	if err := a.authorize(caller, "set factory"); err != nil {
		return err
	}
	a.liquidity.SetFactory(f)
	a.record(ctx, "admin.factory", map[string]any{"address": addr.Hex()})
	return nil
}

// SetReserveAsset changes the asset fees are converted into.
func (a *Admin) SetReserveAsset(ctx context.Context, caller common.Address, asset common.Address) error {
	if err := a.authorize(caller, "set reserve asset"); err != nil {
		return err
	}
	a.liquidity.SetReserveAsset(asset)
	a.record(ctx, "admin.reserve_asset", map[string]any{"address": asset.Hex()})
	return nil
}
