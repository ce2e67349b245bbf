// Package memory implements the domain store interfaces in process memory.
// It backs tests and single-replica deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xrin1/flippening/internal/domain"
)

// WagerStore is a mutex-guarded, append-only slice of wagers. The slice index
// is the wager id.
type WagerStore struct {
	mu     sync.RWMutex
	wagers []domain.Wager
}

// NewWagerStore returns an empty store.
func NewWagerStore() *WagerStore {
	return &WagerStore{}
}

// Append assigns the next id and stores a copy of w.
func (s *WagerStore) Append(_ context.Context, w domain.Wager) (domain.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.ID = uint64(len(s.wagers))
	s.wagers = append(s.wagers, w.Clone())
	return w.Clone(), nil
}

// Get returns a copy of wager id.
func (s *WagerStore) Get(_ context.Context, id uint64) (domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id >= uint64(len(s.wagers)) {
		return domain.Wager{}, fmt.Errorf("memory: get wager %d: %w", id, domain.ErrNotFound)
	}
	return s.wagers[id].Clone(), nil
}

// Transition applies mutate to a copy of the record and commits it only if
// both the move and the mutation succeed.
func (s *WagerStore) Transition(_ context.Context, id uint64, to domain.WagerStatus, mutate func(*domain.Wager) error) (domain.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id >= uint64(len(s.wagers)) {
		return domain.Wager{}, fmt.Errorf("memory: transition wager %d: %w", id, domain.ErrNotFound)
	}
	cur := s.wagers[id].Clone()
	if err := domain.TransitionError(cur.Status, to); err != nil {
		return domain.Wager{}, err
	}
	if mutate != nil {
		if err := mutate(&cur); err != nil {
			return domain.Wager{}, err
		}
	}
	cur.ID = id
	cur.Status = to
	s.wagers[id] = cur
	return cur.Clone(), nil
}

// MarkPayoutDone flags a payout leg as delivered.
func (s *WagerStore) MarkPayoutDone(_ context.Context, id uint64, leg int, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id >= uint64(len(s.wagers)) {
		return fmt.Errorf("memory: mark payout %d/%d: %w", id, leg, domain.ErrNotFound)
	}
	w := &s.wagers[id]
	for i := range w.Payouts {
		if w.Payouts[i].Leg == leg {
			w.Payouts[i].Done = true
			w.Payouts[i].TxHash = txHash
			return nil
		}
	}
	return fmt.Errorf("memory: mark payout %d/%d: %w", id, leg, domain.ErrNotFound)
}

// List returns wagers matching filter in id order.
func (s *WagerStore) List(_ context.Context, filter domain.WagerFilter) ([]domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Wager
	skipped := 0
	for _, w := range s.wagers {
		if filter.Status != "" && w.Status != filter.Status {
			continue
		}
		if filter.Party != nil && w.Creator != *filter.Party && w.Guesser != *filter.Party {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, w.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListExpirable returns guessed wagers whose grace window has ended.
func (s *WagerStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Wager
	for _, w := range s.wagers {
		if w.Status != domain.WagerGuessed || now.Before(w.GraceEndsAt) {
			continue
		}
		out = append(out, w.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListPendingPayouts returns resolved wagers with undelivered legs.
func (s *WagerStore) ListPendingPayouts(_ context.Context, limit int) ([]domain.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Wager
	for _, w := range s.wagers {
		if !w.Status.Terminal() || len(w.PendingPayouts()) == 0 {
			continue
		}
		out = append(out, w.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListResolved returns terminal wagers ordered by resolution time.
func (s *WagerStore) ListResolved(_ context.Context, opts domain.ListOpts) ([]domain.Wager, error) {
	s.mu.RLock()
	var out []domain.Wager
	for _, w := range s.wagers {
		if !w.Status.Terminal() || w.SettledAt == nil {
			continue
		}
		if opts.Since != nil && w.SettledAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !w.SettledAt.Before(*opts.Until) {
			continue
		}
		out = append(out, w.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].SettledAt.Before(*out[j].SettledAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Count returns the number of wagers ever created.
func (s *WagerStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.wagers)), nil
}
