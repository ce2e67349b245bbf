package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/0xrin1/flippening/internal/domain"
)

const (
	wagerPrefix      = "archive/wagers/"
	cutoffLayout     = "20060102T150405Z"
	jsonlContentType = "application/x-ndjson"
	archivePageSize  = 500
)

// ResolvedWagers is the slice of domain.WagerStore the archiver reads.
type ResolvedWagers interface {
	ListResolved(ctx context.Context, opts domain.ListOpts) ([]domain.Wager, error)
}

// WagerArchiver exports settled and cancelled wagers to JSONL objects. Each
// run covers the window between the previous archive's cutoff and the new
// one, so objects never overlap.
type WagerArchiver struct {
	wagers ResolvedWagers
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewWagerArchiver creates a WagerArchiver. audit may be nil.
func NewWagerArchiver(wagers ResolvedWagers, writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *WagerArchiver {
	return &WagerArchiver{
		wagers: wagers,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "wager_archiver")),
	}
}

// ArchiveWagers writes every wager resolved before the cutoff and after the
// last archived cutoff. Re-running with the same cutoff is a no-op.
func (a *WagerArchiver) ArchiveWagers(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC().Truncate(time.Second)
	key := archiveKey(before)

	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return 0, err
	}
	if exists {
		a.logger.InfoContext(ctx, "archive already written", slog.String("path", key))
		return 0, nil
	}

	since, err := a.lastCutoff(ctx, before)
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	var count int64
	for offset := 0; ; offset += archivePageSize {
		page, err := a.wagers.ListResolved(ctx, domain.ListOpts{
			Limit:  archivePageSize,
			Offset: offset,
			Since:  since,
			Until:  &before,
		})
		if err != nil {
			return count, fmt.Errorf("s3blob: list resolved wagers: %w", err)
		}
		for _, w := range page {
			if err := enc.Encode(newWagerRecord(w)); err != nil {
				return count, fmt.Errorf("s3blob: encode wager %d: %w", w.ID, err)
			}
			count++
		}
		if len(page) < archivePageSize {
			break
		}
	}

	if count == 0 {
		a.logger.InfoContext(ctx, "no wagers to archive", slog.Time("before", before))
		return 0, nil
	}

	if int64(buf.Len()) > MinPartSize {
		err = a.writer.PutMultipart(ctx, key, &buf, MinPartSize)
	} else {
		err = a.writer.Put(ctx, key, &buf, jsonlContentType)
	}
	if err != nil {
		return 0, err
	}

	if a.audit != nil {
		detail := map[string]any{"path": key, "count": count, "before": before.Format(time.RFC3339)}
		if since != nil {
			detail["since"] = since.Format(time.RFC3339)
		}
		if err := a.audit.Log(ctx, "archive.wagers", detail); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	a.logger.InfoContext(ctx, "wagers archived",
		slog.String("path", key),
		slog.Int64("count", count),
	)
	return count, nil
}

// lastCutoff returns the latest archived cutoff strictly before the given
// one, or nil when nothing has been archived yet.
func (a *WagerArchiver) lastCutoff(ctx context.Context, before time.Time) (*time.Time, error) {
	infos, err := a.reader.List(ctx, wagerPrefix)
	if err != nil {
		return nil, err
	}
	var cutoffs []time.Time
	for _, info := range infos {
		t, ok := parseArchiveKey(info.Path)
		if ok && t.Before(before) {
			cutoffs = append(cutoffs, t)
		}
	}
	if len(cutoffs) == 0 {
		return nil, nil
	}
	sort.Slice(cutoffs, func(i, j int) bool { return cutoffs[i].Before(cutoffs[j]) })
	last := cutoffs[len(cutoffs)-1]
	return &last, nil
}

func archiveKey(before time.Time) string {
	return wagerPrefix + before.Format(cutoffLayout) + ".jsonl"
}

func parseArchiveKey(key string) (time.Time, bool) {
	name := strings.TrimSuffix(path.Base(key), ".jsonl")
	if !strings.HasPrefix(key, wagerPrefix) || name == path.Base(key) {
		return time.Time{}, false
	}
	t, err := time.Parse(cutoffLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// wagerRecord is the archived JSON shape. Amounts are decimal strings of
// base units and addresses are checksummed hex.
type wagerRecord struct {
	ID           uint64         `json:"id"`
	Creator      string         `json:"creator"`
	Guesser      string         `json:"guesser,omitempty"`
	StakeAsset   string         `json:"stake_asset"`
	StakeAmount  string         `json:"stake_amount"`
	Commitment   string         `json:"commitment"`
	RawGuess     string         `json:"raw_guess,omitempty"`
	Guess        bool           `json:"guess"`
	Status       string         `json:"status"`
	Resolution   string         `json:"resolution"`
	GuesserWon   bool           `json:"guesser_won"`
	Fee          string         `json:"fee"`
	KeeperReward string         `json:"keeper_reward"`
	Keeper       string         `json:"keeper,omitempty"`
	RewardMinted string         `json:"reward_minted"`
	Payouts      []payoutRecord `json:"payouts"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	SettledAt    *time.Time     `json:"settled_at"`
}

type payoutRecord struct {
	Leg       int    `json:"leg"`
	Kind      string `json:"kind"`
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Done      bool   `json:"done"`
	TxHash    string `json:"tx_hash,omitempty"`
}

func newWagerRecord(w domain.Wager) wagerRecord {
	rec := wagerRecord{
		ID:           w.ID,
		Creator:      w.Creator.Hex(),
		StakeAsset:   w.StakeAsset.Hex(),
		StakeAmount:  decimalString(w.StakeAmount),
		Commitment:   w.Commitment.Hex(),
		RawGuess:     w.RawGuess,
		Guess:        w.Guess,
		Status:       string(w.Status),
		Resolution:   string(w.Resolution),
		GuesserWon:   w.GuesserWon,
		Fee:          decimalString(w.Fee),
		KeeperReward: decimalString(w.KeeperReward),
		RewardMinted: decimalString(w.RewardMinted),
		CreatedAt:    w.CreatedAt,
		ExpiresAt:    w.ExpiresAt,
		SettledAt:    w.SettledAt,
		Payouts:      make([]payoutRecord, 0, len(w.Payouts)),
	}
	if w.Guessed() {
		rec.Guesser = w.Guesser.Hex()
	}
	if w.Resolution == domain.ResolvedByExpiry {
		rec.Keeper = w.Keeper.Hex()
	}
	for _, p := range w.Payouts {
		rec.Payouts = append(rec.Payouts, payoutRecord{
			Leg:       p.Leg,
			Kind:      string(p.Kind),
			Asset:     p.Asset.Hex(),
			Recipient: p.Recipient.Hex(),
			Amount:    decimalString(p.Amount),
			Done:      p.Done,
			TxHash:    p.TxHash,
		})
	}
	return rec
}

func decimalString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var _ domain.Archiver = (*WagerArchiver)(nil)
