package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xrin1/flippening/internal/domain"
)

// FeeStore keeps fee entries keyed by wager id.
type FeeStore struct {
	mu      sync.RWMutex
	entries map[uint64]domain.FeeEntry
}

// NewFeeStore returns an empty fee store.
func NewFeeStore() *FeeStore {
	return &FeeStore{entries: make(map[uint64]domain.FeeEntry)}
}

// Credit stores entry unless the wager already has one.
func (s *FeeStore) Credit(_ context.Context, entry domain.FeeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.WagerID]; ok {
		return nil
	}
	now := time.Now().UTC()
	if entry.Status == "" {
		entry.Status = domain.FeePending
	}
	entry.CreatedAt = now
	entry.UpdatedAt = now
	s.entries[entry.WagerID] = entry.Clone()
	return nil
}

// Get returns the fee entry for wagerID.
func (s *FeeStore) Get(_ context.Context, wagerID uint64) (domain.FeeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[wagerID]
	if !ok {
		return domain.FeeEntry{}, fmt.Errorf("memory: fee %d: %w", wagerID, domain.ErrNotFound)
	}
	return e.Clone(), nil
}

// Update overwrites an existing entry.
func (s *FeeStore) Update(_ context.Context, entry domain.FeeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[entry.WagerID]
	if !ok {
		return fmt.Errorf("memory: update fee %d: %w", entry.WagerID, domain.ErrNotFound)
	}
	entry.CreatedAt = prev.CreatedAt
	entry.UpdatedAt = time.Now().UTC()
	s.entries[entry.WagerID] = entry.Clone()
	return nil
}

// ListUnprocessed returns entries not yet provided as liquidity, oldest
// wager first.
func (s *FeeStore) ListUnprocessed(_ context.Context, limit int) ([]domain.FeeEntry, error) {
	s.mu.RLock()
	var out []domain.FeeEntry
	for _, e := range s.entries {
		if !e.Drained() {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WagerID < out[j].WagerID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Accumulated sums pending fees held in asset.
func (s *FeeStore) Accumulated(_ context.Context, asset common.Address) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, e := range s.entries {
		if e.Asset == asset && e.Status == domain.FeePending && e.Amount != nil {
			total.Add(total, e.Amount)
		}
	}
	return total, nil
}

// SupplyStore tracks minted reward supply in memory.
type SupplyStore struct {
	mu     sync.Mutex
	supply *big.Int
}

// NewSupplyStore returns a zero supply counter.
func NewSupplyStore() *SupplyStore {
	return &SupplyStore{supply: new(big.Int)}
}

// AddSupply increases the supply by delta and returns the new total.
func (s *SupplyStore) AddSupply(_ context.Context, delta *big.Int) (*big.Int, error) {
	if delta.Sign() < 0 {
		return nil, fmt.Errorf("memory: add supply: negative delta %s", delta)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply.Add(s.supply, delta)
	return new(big.Int).Set(s.supply), nil
}

// Supply returns the current total.
func (s *SupplyStore) Supply(_ context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.supply), nil
}
