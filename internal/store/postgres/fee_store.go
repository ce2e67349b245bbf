package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xrin1/flippening/internal/domain"
)

// FeeStore implements domain.FeeStore.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore creates a FeeStore backed by pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

const feeSelectCols = `wager_id, asset, amount::text, status, reserve_amount::text,
	liquidity::text, attempts, last_error, created_at, updated_at`

func scanFee(row pgx.Row) (domain.FeeEntry, error) {
	var (
		e                          domain.FeeEntry
		asset, status              string
		amount, reserve, liquidity *string
	)
	if err := row.Scan(&e.WagerID, &asset, &amount, &status, &reserve,
		&liquidity, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return domain.FeeEntry{}, err
	}
	e.Asset = common.HexToAddress(asset)
	e.Status = domain.FeeStatus(status)
	e.Amount = parseNumeric(amount)
	e.ReserveAmount = parseNumeric(reserve)
	e.Liquidity = parseNumeric(liquidity)
	return e, nil
}

// Credit inserts entry; a second credit for the same wager is ignored.
func (s *FeeStore) Credit(ctx context.Context, entry domain.FeeEntry) error {
	status := entry.Status
	if status == "" {
		status = domain.FeePending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fee_entries (wager_id, asset, amount, status)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (wager_id) DO NOTHING`,
		entry.WagerID, entry.Asset.Hex(), numeric(entry.Amount), string(status))
	if err != nil {
		return fmt.Errorf("postgres: credit fee %d: %w", entry.WagerID, err)
	}
	return nil
}

// Get returns the fee entry of wagerID.
func (s *FeeStore) Get(ctx context.Context, wagerID uint64) (domain.FeeEntry, error) {
	e, err := scanFee(s.pool.QueryRow(ctx, `SELECT `+feeSelectCols+` FROM fee_entries WHERE wager_id = $1`, wagerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeeEntry{}, fmt.Errorf("postgres: fee %d: %w", wagerID, domain.ErrNotFound)
		}
		return domain.FeeEntry{}, fmt.Errorf("postgres: get fee %d: %w", wagerID, err)
	}
	return e, nil
}

// Update writes the processing state of an existing entry.
func (s *FeeStore) Update(ctx context.Context, entry domain.FeeEntry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE fee_entries SET
			status = $2, reserve_amount = $3::numeric, liquidity = $4::numeric,
			attempts = $5, last_error = $6, updated_at = NOW()
		WHERE wager_id = $1`,
		entry.WagerID, string(entry.Status), nullableNumeric(entry.ReserveAmount),
		nullableNumeric(entry.Liquidity), entry.Attempts, entry.LastError)
	if err != nil {
		return fmt.Errorf("postgres: update fee %d: %w", entry.WagerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update fee %d: %w", entry.WagerID, domain.ErrNotFound)
	}
	return nil
}

// ListUnprocessed returns entries not yet provided as liquidity.
func (s *FeeStore) ListUnprocessed(ctx context.Context, limit int) ([]domain.FeeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+feeSelectCols+` FROM fee_entries
		 WHERE status <> $1 AND amount > 0
		 ORDER BY wager_id LIMIT $2`,
		string(domain.FeeProvided), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unprocessed fees: %w", err)
	}
	defer rows.Close()

	var out []domain.FeeEntry
	for rows.Next() {
		e, err := scanFee(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Accumulated sums pending fees held in asset.
func (s *FeeStore) Accumulated(ctx context.Context, asset common.Address) (*big.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM fee_entries WHERE asset = $1 AND status = $2`,
		asset.Hex(), string(domain.FeePending)).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("postgres: accumulated fees %s: %w", asset.Hex(), err)
	}
	v := parseNumeric(&total)
	if v == nil {
		return nil, fmt.Errorf("postgres: accumulated fees %s: bad numeric %q", asset.Hex(), total)
	}
	return v, nil
}

// SupplyStore implements domain.SupplyStore on a single-row table.
type SupplyStore struct {
	pool *pgxpool.Pool
}

// NewSupplyStore creates a SupplyStore backed by pool.
func NewSupplyStore(pool *pgxpool.Pool) *SupplyStore {
	return &SupplyStore{pool: pool}
}

// AddSupply increments the supply and returns the new total.
func (s *SupplyStore) AddSupply(ctx context.Context, delta *big.Int) (*big.Int, error) {
	if delta.Sign() < 0 {
		return nil, fmt.Errorf("postgres: add supply: negative delta %s", delta)
	}
	var total string
	if err := s.pool.QueryRow(ctx,
		`UPDATE reward_supply SET supply = supply + $1::numeric RETURNING supply::text`, delta.String(),
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: add supply: %w", err)
	}
	return parseNumeric(&total), nil
}

// Supply returns the current total.
func (s *SupplyStore) Supply(ctx context.Context) (*big.Int, error) {
	var total string
	if err := s.pool.QueryRow(ctx, `SELECT supply::text FROM reward_supply`).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: supply: %w", err)
	}
	return parseNumeric(&total), nil
}

var (
	_ domain.FeeStore    = (*FeeStore)(nil)
	_ domain.SupplyStore = (*SupplyStore)(nil)
)
