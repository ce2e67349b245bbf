package domain

import "errors"

// Wager lifecycle errors. Guard violations are reported before any state
// mutation or fund movement.
var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyGuessed           = errors.New("wager already has guess")
	ErrAlreadySettled           = errors.New("wager already settled")
	ErrNoGuess                  = errors.New("wager needs guess")
	ErrExpirationPassed         = errors.New("expiration has passed")
	ErrGracePeriodNotElapsed    = errors.New("expiration + grace time has not passed")
	ErrSecretMismatch           = errors.New("secret is wrong")
	ErrTransferFailed           = errors.New("transfer failed")
	ErrLiquidityOperationFailed = errors.New("liquidity operation failed")
	ErrUnauthorized             = errors.New("unauthorized")
)

// Infrastructure errors.
var (
	ErrInvalidWager  = errors.New("invalid wager parameters")
	ErrNotConfigured = errors.New("collaborator not configured")
	ErrConflict      = errors.New("concurrent modification")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")
)
