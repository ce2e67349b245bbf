package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0xrin1/flippening/internal/domain"
)

// WagerStore implements domain.WagerStore. Transitions lock the row with
// SELECT ... FOR UPDATE so concurrent replicas serialize on a wager.
type WagerStore struct {
	pool *pgxpool.Pool
}

// NewWagerStore creates a WagerStore backed by pool.
func NewWagerStore(pool *pgxpool.Pool) *WagerStore {
	return &WagerStore{pool: pool}
}

const wagerSelectCols = `id, creator, guesser, stake_asset, stake_amount::text, commitment,
	raw_guess, guess, status, created_at, expires_at, grace_ends_at,
	resolution, guesser_won, fee::text, keeper_reward::text, keeper,
	reward_minted::text, payouts, settled_at`

// payoutRow is the JSONB form of domain.Payout.
type payoutRow struct {
	Leg       int    `json:"leg"`
	Kind      string `json:"kind"`
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Done      bool   `json:"done"`
	TxHash    string `json:"tx_hash,omitempty"`
}

func encodePayouts(ps []domain.Payout) ([]byte, error) {
	rows := make([]payoutRow, len(ps))
	for i, p := range ps {
		rows[i] = payoutRow{
			Leg:       p.Leg,
			Kind:      string(p.Kind),
			Asset:     p.Asset.Hex(),
			Recipient: p.Recipient.Hex(),
			Amount:    numeric(p.Amount),
			Done:      p.Done,
			TxHash:    p.TxHash,
		}
	}
	return json.Marshal(rows)
}

func decodePayouts(raw []byte) ([]domain.Payout, error) {
	var rows []payoutRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]domain.Payout, len(rows))
	for i, r := range rows {
		out[i] = domain.Payout{
			Leg:       r.Leg,
			Kind:      domain.PayoutKind(r.Kind),
			Asset:     common.HexToAddress(r.Asset),
			Recipient: common.HexToAddress(r.Recipient),
			Amount:    parseNumeric(&r.Amount),
			Done:      r.Done,
			TxHash:    r.TxHash,
		}
	}
	return out, nil
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableNumeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil
	}
	return v
}

func addressText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func parseAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func scanWager(row pgx.Row) (domain.Wager, error) {
	var (
		w                                domain.Wager
		creator, guesser, asset, keeper  string
		commitment, status, resolution   string
		stake, fee, keeperReward, minted *string
		payouts                          []byte
	)
	err := row.Scan(
		&w.ID, &creator, &guesser, &asset, &stake, &commitment,
		&w.RawGuess, &w.Guess, &status, &w.CreatedAt, &w.ExpiresAt, &w.GraceEndsAt,
		&resolution, &w.GuesserWon, &fee, &keeperReward, &keeper,
		&minted, &payouts, &w.SettledAt,
	)
	if err != nil {
		return domain.Wager{}, err
	}
	w.Creator = parseAddress(creator)
	w.Guesser = parseAddress(guesser)
	w.StakeAsset = parseAddress(asset)
	w.Keeper = parseAddress(keeper)
	w.Commitment = common.HexToHash(commitment)
	w.Status = domain.WagerStatus(status)
	w.Resolution = domain.Resolution(resolution)
	w.StakeAmount = parseNumeric(stake)
	w.Fee = parseNumeric(fee)
	w.KeeperReward = parseNumeric(keeperReward)
	w.RewardMinted = parseNumeric(minted)
	if w.Payouts, err = decodePayouts(payouts); err != nil {
		return domain.Wager{}, fmt.Errorf("decode payouts: %w", err)
	}
	return w, nil
}

func collectWagers(rows pgx.Rows) ([]domain.Wager, error) {
	defer rows.Close()
	var out []domain.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Append assigns the next dense id in the same transaction as the insert,
// so a failed insert does not leave a gap.
func (s *WagerStore) Append(ctx context.Context, w domain.Wager) (domain.Wager, error) {
	payouts, err := encodePayouts(w.Payouts)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("postgres: encode payouts: %w", err)
	}
	err = inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`UPDATE wager_seq SET next_id = next_id + 1 RETURNING next_id - 1`,
		).Scan(&w.ID); err != nil {
			return fmt.Errorf("postgres: next wager id: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO wagers (
				id, creator, guesser, stake_asset, stake_amount, commitment,
				raw_guess, guess, status, created_at, expires_at, grace_ends_at,
				payouts
			) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)`,
			w.ID, w.Creator.Hex(), addressText(w.Guesser), w.StakeAsset.Hex(), numeric(w.StakeAmount),
			w.Commitment.Hex(), w.RawGuess, w.Guess, string(w.Status),
			w.CreatedAt, w.ExpiresAt, w.GraceEndsAt, payouts,
		)
		if err != nil {
			return fmt.Errorf("postgres: insert wager %d: %w", w.ID, err)
		}
		return nil
	})
	if err != nil {
		return domain.Wager{}, err
	}
	return w, nil
}

// Get returns wager id.
func (s *WagerStore) Get(ctx context.Context, id uint64) (domain.Wager, error) {
	w, err := scanWager(s.pool.QueryRow(ctx, `SELECT `+wagerSelectCols+` FROM wagers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wager{}, fmt.Errorf("postgres: wager %d: %w", id, domain.ErrNotFound)
		}
		return domain.Wager{}, fmt.Errorf("postgres: get wager %d: %w", id, err)
	}
	return w, nil
}

// Transition locks the row, validates the move, applies mutate and writes
// every mutable column back.
func (s *WagerStore) Transition(ctx context.Context, id uint64, to domain.WagerStatus, mutate func(*domain.Wager) error) (domain.Wager, error) {
	var out domain.Wager
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanWager(tx.QueryRow(ctx,
			`SELECT `+wagerSelectCols+` FROM wagers WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: wager %d: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("postgres: lock wager %d: %w", id, err)
		}
		if err := domain.TransitionError(cur.Status, to); err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(&cur); err != nil {
				return err
			}
		}
		cur.Status = to
		payouts, err := encodePayouts(cur.Payouts)
		if err != nil {
			return fmt.Errorf("postgres: encode payouts: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE wagers SET
				guesser = $2, raw_guess = $3, guess = $4, status = $5,
				resolution = $6, guesser_won = $7, fee = $8::numeric,
				keeper_reward = $9::numeric, keeper = $10, reward_minted = $11::numeric,
				payouts = $12, payouts_open = $13, settled_at = $14
			WHERE id = $1`,
			id, addressText(cur.Guesser), cur.RawGuess, cur.Guess, string(cur.Status),
			string(cur.Resolution), cur.GuesserWon, nullableNumeric(cur.Fee),
			nullableNumeric(cur.KeeperReward), addressText(cur.Keeper), nullableNumeric(cur.RewardMinted),
			payouts, len(cur.PendingPayouts()) > 0, cur.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: update wager %d: %w", id, err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return domain.Wager{}, err
	}
	return out, nil
}

// MarkPayoutDone flags one leg delivered.
func (s *WagerStore) MarkPayoutDone(ctx context.Context, id uint64, leg int, txHash string) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT payouts FROM wagers WHERE id = $1 FOR UPDATE`, id).Scan(&raw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: wager %d: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("postgres: lock payouts %d: %w", id, err)
		}
		payouts, err := decodePayouts(raw)
		if err != nil {
			return fmt.Errorf("postgres: decode payouts %d: %w", id, err)
		}
		found, open := false, false
		for i := range payouts {
			if payouts[i].Leg == leg {
				payouts[i].Done = true
				payouts[i].TxHash = txHash
				found = true
			}
			if !payouts[i].Done {
				open = true
			}
		}
		if !found {
			return fmt.Errorf("postgres: mark payout %d/%d: %w", id, leg, domain.ErrNotFound)
		}
		encoded, err := encodePayouts(payouts)
		if err != nil {
			return fmt.Errorf("postgres: encode payouts: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE wagers SET payouts = $2, payouts_open = $3 WHERE id = $1`, id, encoded, open,
		); err != nil {
			return fmt.Errorf("postgres: mark payout %d/%d: %w", id, leg, err)
		}
		return nil
	})
}

// List returns wagers matching filter in id order.
func (s *WagerStore) List(ctx context.Context, filter domain.WagerFilter) ([]domain.Wager, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Party != nil {
		query += fmt.Sprintf(" AND (creator = $%d OR guesser = $%d)", argIdx, argIdx)
		args = append(args, filter.Party.Hex())
		argIdx++
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list wagers: %w", err)
	}
	out, err := collectWagers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan wagers: %w", err)
	}
	return out, nil
}

// ListExpirable returns guessed wagers whose grace window ended by now.
func (s *WagerStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Wager, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerSelectCols+` FROM wagers
		 WHERE status = $1 AND grace_ends_at <= $2
		 ORDER BY id LIMIT $3`,
		string(domain.WagerGuessed), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expirable: %w", err)
	}
	out, err := collectWagers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expirable: %w", err)
	}
	return out, nil
}

// ListPendingPayouts returns resolved wagers with undelivered legs.
func (s *WagerStore) ListPendingPayouts(ctx context.Context, limit int) ([]domain.Wager, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+wagerSelectCols+` FROM wagers WHERE payouts_open ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending payouts: %w", err)
	}
	out, err := collectWagers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan pending payouts: %w", err)
	}
	return out, nil
}

// ListResolved returns settled and cancelled wagers by resolution time.
// Since is inclusive and Until exclusive.
func (s *WagerStore) ListResolved(ctx context.Context, opts domain.ListOpts) ([]domain.Wager, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers WHERE settled_at IS NOT NULL`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND settled_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND settled_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY settled_at, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved: %w", err)
	}
	out, err := collectWagers(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved: %w", err)
	}
	return out, nil
}

// Count returns the number of wagers ever created.
func (s *WagerStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx, `SELECT next_id FROM wager_seq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count wagers: %w", err)
	}
	return n, nil
}

var _ domain.WagerStore = (*WagerStore)(nil)
