package handler

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/commitment"
	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/server/middleware"
)

// WagerService is the lifecycle surface the handlers drive.
// *service.Controller satisfies it.
type WagerService interface {
	Create(ctx context.Context, creator common.Address, digest commitment.Commitment, asset common.Address, amount *big.Int) (domain.Wager, error)
	Guess(ctx context.Context, id uint64, guesser common.Address, choice string) (domain.Wager, error)
	Settle(ctx context.Context, id uint64, caller common.Address, secret string) (domain.Wager, error)
	Expire(ctx context.Context, id uint64, keeper common.Address) (domain.Wager, error)
	Cancel(ctx context.Context, id uint64, caller common.Address, secret string, asset common.Address) (domain.Wager, error)
	Get(ctx context.Context, id uint64) (domain.Wager, error)
	List(ctx context.Context, filter domain.WagerFilter) ([]domain.Wager, error)
	Count(ctx context.Context) (uint64, error)
}

// WagerHandler serves the wager lifecycle endpoints.
type WagerHandler struct {
	wagers WagerService
	logger *slog.Logger
}

// NewWagerHandler creates a WagerHandler.
func NewWagerHandler(wagers WagerService, logger *slog.Logger) *WagerHandler {
	return &WagerHandler{wagers: wagers, logger: logger.With(slog.String("handler", "wagers"))}
}

type createRequest struct {
	Commitment string `json:"commitment"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
}

type guessRequest struct {
	Choice string `json:"choice"`
}

type secretRequest struct {
	Secret string `json:"secret"`
	Asset  string `json:"asset,omitempty"`
}

// caller returns the authenticated party or writes a 401.
func (h *WagerHandler) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "signed request required")
	}
	return addr, ok
}

// List returns wagers filtered by status and party.
// GET /api/wagers?status=&party=&limit=&offset=
func (h *WagerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	filter := domain.WagerFilter{
		Status: domain.WagerStatus(r.URL.Query().Get("status")),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if p := r.URL.Query().Get("party"); p != "" {
		addr, err := parseAddress("party", p)
		if err != nil {
			writeDomainError(w, h.logger, r, err)
			return
		}
		filter.Party = &addr
	}

	wagers, err := h.wagers.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	total, err := h.wagers.Count(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wagers": newWagerViews(wagers),
		"total":  total,
	})
}

// Get returns one wager.
// GET /api/wagers/{id}
func (h *WagerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	wager, err := h.wagers.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerView(wager))
}

// Create escrows the caller's stake behind a commitment.
// POST /api/wagers
func (h *WagerHandler) Create(w http.ResponseWriter, r *http.Request) {
	creator, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	digest, err := commitment.Parse(req.Commitment)
	if err != nil {
		writeDomainError(w, h.logger, r, fmt.Errorf("commitment: %v: %w", err, domain.ErrInvalidWager))
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	wager, err := h.wagers.Create(r.Context(), creator, digest, asset, amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.Header().Set("Location", "/api/wagers/"+strconv.FormatUint(wager.ID, 10))
	writeJSON(w, http.StatusCreated, newWagerView(wager))
}

// Guess records the caller's guess and matching stake.
// POST /api/wagers/{id}/guess
func (h *WagerHandler) Guess(w http.ResponseWriter, r *http.Request) {
	guesser, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	var req guessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	wager, err := h.wagers.Guess(r.Context(), id, guesser, req.Choice)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerView(wager))
}

// Settle reveals the secret and pays out.
// POST /api/wagers/{id}/settle
func (h *WagerHandler) Settle(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	var req secretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	wager, err := h.wagers.Settle(r.Context(), id, caller, req.Secret)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerView(wager))
}

// Expire resolves an unrevealed wager for the guesser once the grace window
// has passed, paying the caller the keeper reward.
// POST /api/wagers/{id}/expire
func (h *WagerHandler) Expire(w http.ResponseWriter, r *http.Request) {
	keeper, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	wager, err := h.wagers.Expire(r.Context(), id, keeper)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerView(wager))
}

// Cancel refunds an unguessed wager to its creator.
// POST /api/wagers/{id}/cancel
func (h *WagerHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	var req secretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	wager, err := h.wagers.Cancel(r.Context(), id, caller, req.Secret, asset)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWagerView(wager))
}
