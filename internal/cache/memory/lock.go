// Package memory provides in-process implementations of the domain lock and
// bus interfaces for single-replica deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/0xrin1/flippening/internal/domain"
)

// LockManager is a keyed try-lock. Entries are removed on release so the map
// only holds keys that are currently locked.
type LockManager struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]uint64)}
}

// Acquire takes key or returns domain.ErrLockHeld. ttl is ignored: an
// in-process holder cannot outlive the process.
func (lm *LockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	lm.seq++
	token := lm.seq
	lm.held[key] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			if lm.held[key] == token {
				delete(lm.held, key)
			}
			lm.mu.Unlock()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
