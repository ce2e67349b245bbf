package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/0xrin1/flippening/internal/domain"
)

// ResolvedLister reads terminal wagers by resolution time.
type ResolvedLister interface {
	ListResolved(ctx context.Context, opts domain.ListOpts) ([]domain.Wager, error)
}

// HistoryHandler serves settlement history and the audit log.
type HistoryHandler struct {
	wagers ResolvedLister
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(wagers ResolvedLister, audit domain.AuditStore, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{wagers: wagers, audit: audit, logger: logger.With(slog.String("handler", "history"))}
}

// Resolved lists settled and cancelled wagers.
// GET /api/history?since=&until=&limit=&offset=
func (h *HistoryHandler) Resolved(w http.ResponseWriter, r *http.Request) {
	wagers, err := h.wagers.ListResolved(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wagers": newWagerViews(wagers)})
}

// Audit lists audit log entries, newest first.
// GET /api/audit?since=&until=&limit=&offset=
func (h *HistoryHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":         e.ID,
			"event":      e.Event,
			"detail":     e.Detail,
			"created_at": e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
