// Package handler implements the HTTP endpoints of the wager API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

const maxBodyBytes = 1 << 16

// writeJSON marshals v and writes it with status. Marshal failures become a
// plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps lifecycle and infrastructure errors to status codes.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": codeFor(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyGuessed),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrNoGuess),
		errors.Is(err, domain.ErrExpirationPassed),
		errors.Is(err, domain.ErrGracePeriodNotElapsed),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSecretMismatch),
		errors.Is(err, domain.ErrInvalidWager):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTransferFailed),
		errors.Is(err, domain.ErrLiquidityOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{domain.ErrNotFound, "not_found"},
	{domain.ErrUnauthorized, "unauthorized"},
	{domain.ErrAlreadyGuessed, "already_guessed"},
	{domain.ErrAlreadySettled, "already_settled"},
	{domain.ErrNoGuess, "no_guess"},
	{domain.ErrExpirationPassed, "expiration_passed"},
	{domain.ErrGracePeriodNotElapsed, "grace_period_not_elapsed"},
	{domain.ErrSecretMismatch, "secret_mismatch"},
	{domain.ErrTransferFailed, "transfer_failed"},
	{domain.ErrLiquidityOperationFailed, "liquidity_operation_failed"},
	{domain.ErrInvalidWager, "invalid_request"},
	{domain.ErrNotConfigured, "not_configured"},
	{domain.ErrConflict, "conflict"},
	{domain.ErrLockHeld, "busy"},
	{domain.ErrRateLimited, "rate_limited"},
}

func codeFor(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", domain.ErrInvalidWager)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidWager)
	}
	return nil
}

// parseListOpts reads limit (default 50, max 500), offset, and RFC 3339
// since/until bounds.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	opts := domain.ListOpts{Limit: 50}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		opts.Limit = min(n, 500)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		opts.Offset = n
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("wager id %q: %w", r.PathValue("id"), domain.ErrInvalidWager)
	}
	return id, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address: %w", field, s, domain.ErrInvalidWager)
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts a base-10 integer of base units.
func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not an integer: %w", field, s, domain.ErrInvalidWager)
	}
	return v, nil
}
