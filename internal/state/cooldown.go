package state

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cooldowns hands out short-lived per-condition leases. Only one caller can
// hold the lease for an id until its ttl runs out or it is released.
type Cooldowns interface {
	// Acquire takes the lease for id. It reports false when someone else holds it.
	Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
	Close() error
}

// MemoryCooldowns keeps leases in process
type MemoryCooldowns struct {
	mu     sync.Mutex
	leases map[string]time.Time
	clock  clock.Clock
}

// NewMemoryCooldowns creates an empty lease table. A nil clock uses wall time.
func NewMemoryCooldowns(clk clock.Clock) *MemoryCooldowns {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryCooldowns{
		leases: make(map[string]time.Time),
		clock:  clk,
	}
}

func (m *MemoryCooldowns) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if until, held := m.leases[id]; held && now.Before(until) {
		return false, nil
	}
	m.leases[id] = now.Add(ttl)

	// Drop stale entries so the table does not grow with every condition ever fired
	for key, until := range m.leases {
		if !now.Before(until) {
			delete(m.leases, key)
		}
	}
	return true, nil
}

func (m *MemoryCooldowns) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.leases, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCooldowns) Close() error { return nil }
