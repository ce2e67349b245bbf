package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/server/middleware"
)

// AdminService applies owner-only configuration. *service.Admin satisfies
// it.
type AdminService interface {
	Owner() common.Address
	SetRewardToken(ctx context.Context, caller common.Address, rt domain.RewardToken) error
	SetRouter(ctx context.Context, caller, addr common.Address, r domain.AMMRouter) error
	SetFactory(ctx context.Context, caller, addr common.Address, f domain.AMMFactory) error
	SetReserveAsset(ctx context.Context, caller, asset common.Address) error
}

// Collaborators binds contract addresses to collaborator implementations.
type Collaborators interface {
	RewardToken(addr common.Address) domain.RewardToken
	Router(addr common.Address) domain.AMMRouter
	Factory(addr common.Address) domain.AMMFactory
}

// AdminHandler serves the owner-only setters.
type AdminHandler struct {
	admin  AdminService
	collab Collaborators
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin AdminService, collab Collaborators, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, collab: collab, logger: logger.With(slog.String("handler", "admin"))}
}

type addressRequest struct {
	Address string `json:"address"`
}

// Owner reports the administrative account.
// GET /api/admin
func (h *AdminHandler) Owner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"owner": h.admin.Owner().Hex()})
}

// Set updates one collaborator address.
// PUT /api/admin/{setting} where setting is reward-token, router, factory
// or reserve-asset.
func (h *AdminHandler) Set(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "signed request required")
		return
	}
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	setting := r.PathValue("setting")
	ctx := r.Context()
	switch setting {
	case "reward-token":
		err = h.admin.SetRewardToken(ctx, caller, h.collab.RewardToken(addr))
	case "router":
		err = h.admin.SetRouter(ctx, caller, addr, h.collab.Router(addr))
	case "factory":
		err = h.admin.SetFactory(ctx, caller, addr, h.collab.Factory(addr))
	case "reserve-asset":
		err = h.admin.SetReserveAsset(ctx, caller, addr)
	default:
		writeError(w, http.StatusNotFound, "unknown setting "+setting)
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"setting": setting, "address": addr.Hex()})
}
