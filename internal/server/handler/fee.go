package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// FeeService is the fee pipeline surface. *service.LiquidityManager
// satisfies it.
type FeeService interface {
	Pending(ctx context.Context, limit int) ([]domain.FeeEntry, error)
	Fee(ctx context.Context, wagerID uint64) (domain.FeeEntry, error)
	ProcessFees(ctx context.Context, wagerID uint64) (domain.FeeEntry, error)
	Accumulated(ctx context.Context, asset common.Address) (*big.Int, error)
	ReserveAsset() common.Address
	KnownPairs() []domain.Pair
}

// RewardInfo exposes the reward token and its recorded supply.
// *service.SettlementEngine satisfies it.
type RewardInfo interface {
	RewardToken() domain.RewardToken
	CurrentSupply(ctx context.Context) (*big.Int, error)
}

// FeeHandler serves fee and liquidity endpoints.
type FeeHandler struct {
	fees   FeeService
	reward RewardInfo
	logger *slog.Logger
}

// NewFeeHandler creates a FeeHandler.
func NewFeeHandler(fees FeeService, reward RewardInfo, logger *slog.Logger) *FeeHandler {
	return &FeeHandler{fees: fees, reward: reward, logger: logger.With(slog.String("handler", "fees"))}
}

// ListPending returns fee entries still awaiting liquidity provision.
// GET /api/fees?limit=
func (h *FeeHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	entries, err := h.fees.Pending(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	out := make([]FeeView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newFeeView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"fees": out})
}

// Get returns the fee entry of a wager.
// GET /api/fees/{id}
func (h *FeeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	entry, err := h.fees.Fee(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeeView(entry))
}

// Process converts and deposits a wager's fee now. Already provided fees
// are returned unchanged.
// POST /api/fees/{id}/process
func (h *FeeHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	entry, err := h.fees.ProcessFees(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeeView(entry))
}

// Liquidity summarises the reserve asset, known pools and reward supply.
// GET /api/liquidity?asset=
func (h *FeeHandler) Liquidity(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if reserve := h.fees.ReserveAsset(); reserve != (common.Address{}) {
		resp["reserve_asset"] = reserve.Hex()
	}

	pairs := make([]map[string]string, 0)
	for _, p := range h.fees.KnownPairs() {
		pairs = append(pairs, map[string]string{
			"token0":  p.Token0.Hex(),
			"token1":  p.Token1.Hex(),
			"address": p.Address.Hex(),
		})
	}
	resp["pairs"] = pairs

	if rt := h.reward.RewardToken(); rt != nil {
		resp["reward_token"] = rt.Address().Hex()
	}
	supply, err := h.reward.CurrentSupply(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	resp["reward_supply"] = newAmount(supply)

	if a := r.URL.Query().Get("asset"); a != "" {
		asset, err := parseAddress("asset", a)
		if err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
		acc, err := h.fees.Accumulated(r.Context(), asset)
		if err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
		resp["accumulated"] = map[string]any{"asset": asset.Hex(), "amount": newAmount(acc)}
	}
	writeJSON(w, http.StatusOK, resp)
}
