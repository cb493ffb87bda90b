// Package lease tracks which dispatcher owners are alive. A dispatcher that
// holds a cache slot renews its lease on every claim and heartbeat; the feeder
// reclaims slots whose owner lease has expired.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrEmptyOwner = errors.New("empty owner id")

// Registry is a set of owner leases with a time to live.
type Registry interface {
	Renew(ctx context.Context, owner string, ttl time.Duration) error
	Alive(ctx context.Context, owner string) (bool, error)
	Revoke(ctx context.Context, owner string) error
}

// MemoryRegistry keeps leases in process. It is used when the feeder and
// dispatchers share one process, and in tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryRegistry returns an empty registry using now as its clock; nil means time.Now.
func NewMemoryRegistry(now func() time.Time) *MemoryRegistry {
	if now == nil {
		now = time.Now
	}
	return &MemoryRegistry{expires: make(map[string]time.Time), now: now}
}

func (r *MemoryRegistry) Renew(_ context.Context, owner string, ttl time.Duration) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expires[owner] = r.now().Add(ttl)
	return nil
}

func (r *MemoryRegistry) Alive(_ context.Context, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expires[owner]
	if !ok {
		return false, nil
	}
	if !r.now().Before(exp) {
		delete(r.expires, owner)
		return false, nil
	}
	return true, nil
}

func (r *MemoryRegistry) Revoke(_ context.Context, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.expires, owner)
	return nil
}
