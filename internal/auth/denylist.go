package auth

import (
	"context"
	"sync"
	"time"
)

// Denylist records revoked token ids until their natural expiry.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryDenylist is a process-local Denylist. Entries are dropped lazily once expired.
type MemoryDenylist struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryDenylist returns an empty denylist. now may be nil.
func NewMemoryDenylist(now func() time.Time) *MemoryDenylist {
	if now == nil {
		now = time.Now
	}
	return &MemoryDenylist{entries: make(map[string]time.Time), now: now}
}

func (d *MemoryDenylist) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.sweepLocked(now)
	d.entries[tokenID] = now.Add(ttl)
	return nil
}

func (d *MemoryDenylist) Revoked(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	until, ok := d.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !d.now().Before(until) {
		delete(d.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Len returns the number of live entries.
func (d *MemoryDenylist) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweepLocked(d.now())
	return len(d.entries)
}

func (d *MemoryDenylist) sweepLocked(now time.Time) {
	for id, until := range d.entries {
		if !now.Before(until) {
			delete(d.entries, id)
		}
	}
}

var _ Denylist = (*MemoryDenylist)(nil)
