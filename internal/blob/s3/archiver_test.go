package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xrin1/flippening/internal/domain"
	"github.com/0xrin1/flippening/internal/store/memory"
)

type memBlob struct {
	objects map[string][]byte
	puts    int
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type staticWagers []domain.Wager

func (s staticWagers) ListResolved(_ context.Context, opts domain.ListOpts) ([]domain.Wager, error) {
	var out []domain.Wager
	for _, w := range s {
		if w.SettledAt == nil {
			continue
		}
		if opts.Since != nil && w.SettledAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !w.SettledAt.Before(*opts.Until) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func resolved(id uint64, at time.Time) domain.Wager {
	return domain.Wager{
		ID:           id,
		Creator:      common.HexToAddress("0xc1"),
		Guesser:      common.HexToAddress("0xc2"),
		StakeAsset:   common.HexToAddress("0xa1"),
		StakeAmount:  big.NewInt(1_000_000),
		Status:       domain.WagerSettled,
		Resolution:   domain.ResolvedByReveal,
		GuesserWon:   true,
		Fee:          big.NewInt(0),
		KeeperReward: big.NewInt(0),
		RewardMinted: big.NewInt(0),
		Payouts: []domain.Payout{{
			Kind:      domain.PayoutTransfer,
			Asset:     common.HexToAddress("0xa1"),
			Recipient: common.HexToAddress("0xc2"),
			Amount:    big.NewInt(2_000_000),
			Done:      true,
		}},
		SettledAt: &at,
	}
}

func readRecords(t *testing.T, b []byte) []wagerRecord {
	t.Helper()
	var out []wagerRecord
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var rec wagerRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveWagersWindows(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	wagers := staticWagers{
		resolved(0, base.Add(time.Hour)),
		resolved(1, base.Add(48*time.Hour)),
		resolved(2, base.Add(30*24*time.Hour)),
	}
	blob := newMemBlob()
	audit := memory.NewAuditStore()
	a := NewWagerArchiver(wagers, blob, blob, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first := base.Add(72 * time.Hour)
	n, err := a.ArchiveWagers(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs := readRecords(t, blob.objects[archiveKey(first)])
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0), recs[0].ID)
	assert.Equal(t, "1000000", recs[0].StakeAmount)
	assert.Equal(t, "2000000", recs[0].Payouts[0].Amount)
	assert.Equal(t, common.HexToAddress("0xc2").Hex(), recs[0].Guesser)

	// Same cutoff again writes nothing.
	n, err = a.ArchiveWagers(ctx, first)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, blob.puts)

	second := base.Add(40 * 24 * time.Hour)
	n, err = a.ArchiveWagers(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	recs = readRecords(t, blob.objects[archiveKey(second)])
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(2), recs[0].ID)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "archive.wagers", e.Event)
	}
}

func TestArchiveWagersNothingToWrite(t *testing.T) {
	blob := newMemBlob()
	a := NewWagerArchiver(staticWagers{}, blob, blob, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := a.ArchiveWagers(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)
}

func TestParseArchiveKey(t *testing.T) {
	at := time.Date(2026, 10, 19, 3, 4, 5, 0, time.UTC)
	got, ok := parseArchiveKey(archiveKey(at))
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = parseArchiveKey("archive/wagers/notes.txt")
	assert.False(t, ok)
	_, ok = parseArchiveKey("archive/trades/20261019T030405Z.jsonl")
	assert.False(t, ok)
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", withScheme("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "http://minio:9000", withScheme("http://minio:9000", true))
}
