// Package dedup remembers inbound gateway event ids for a while so that a
// redelivered button press is answered without touching the ledger.
package dedup

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

// maxSweepEvery bounds how long expired entries may linger in Memory.
const maxSweepEvery = 5 * time.Minute

type Store interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	sweepEvery time.Duration
	nextSweep  time.Time
	now        func() time.Time
	seen       map[string]time.Time // event id -> expiry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, sweepEvery: min(ttl, maxSweepEvery), now: time.Now, seen: map[string]time.Time{}}
}

func (m *Memory) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.seen[eventID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !now.Before(m.nextSweep) {
		for id, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, id)
			}
		}
		m.nextSweep = now.Add(m.sweepEvery)
	}
	m.seen[eventID] = now.Add(m.ttl)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
