// Package cache implements the shared work cache: a fixed array of job slots
// kept full by the feeder and consumed by dispatchers through SlotStore.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/gridwork/internal/lease"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

var (
	ErrNoSlot    = errors.New("no matching slot")
	ErrNotOwner  = errors.New("slot not reserved by caller")
	ErrBadIndex  = errors.New("slot index out of range")
	errCollision = errors.New("result already cached")
	errNotEmpty  = errors.New("slot not empty")
)

// ClaimFilter restricts which slots a dispatcher may claim.
type ClaimFilter struct {
	// AppIDs limits claims to these apps. Empty means any app.
	AppIDs []int64 `json:"app_ids,omitempty"`
	// HostClass maps app id to the requesting host's HR class under that app's
	// HR type. A slot qualifies when its workunit is uncommitted (class 0) or
	// committed to the host's class.
	HostClass map[int64]int `json:"host_class,omitempty"`
}

func (f ClaimFilter) matches(s *types.JobSlot) bool {
	if len(f.AppIDs) > 0 {
		found := false
		for _, id := range f.AppIDs {
			if id == s.Workunit.AppID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.Workunit.HRClass == 0 {
		return true
	}
	return f.HostClass[s.Workunit.AppID] == s.Workunit.HRClass
}

// SlotStore is the dispatcher side of the cache. SharedCache implements it
// in process; the gRPC client in the dispatch package implements it remotely.
type SlotStore interface {
	Claim(ctx context.Context, owner string, f ClaimFilter) (types.JobSlot, error)
	Release(ctx context.Context, owner string, index int, consumed bool) error
	Heartbeat(ctx context.Context, owner string) error
	Snapshot(ctx context.Context) ([]types.JobSlot, error)
}

// SharedCache is the slot array. Dispatchers move slots PRESENT -> RESERVED
// -> EMPTY (or back to PRESENT); only the feeder fills EMPTY slots.
type SharedCache struct {
	mu       sync.Mutex
	slots    []types.JobSlot
	live     map[int64]int // result id -> slot index, for every non-EMPTY slot
	leases   lease.Registry
	leaseTTL time.Duration
	now      func() time.Time
}

// NewSharedCache returns a cache of size EMPTY slots.
func NewSharedCache(size int, leases lease.Registry, leaseTTL time.Duration) *SharedCache {
	if leases == nil {
		leases = lease.NewMemoryRegistry(nil)
	}
	c := &SharedCache{
		slots:    make([]types.JobSlot, size),
		live:     make(map[int64]int),
		leases:   leases,
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
	for i := range c.slots {
		c.slots[i].Index = i
	}
	return c
}

// Size returns the number of slots.
func (c *SharedCache) Size() int {
	return len(c.slots)
}

// Leases returns the registry used for owner leases.
func (c *SharedCache) Leases() lease.Registry {
	return c.leases
}

func (c *SharedCache) Claim(ctx context.Context, owner string, f ClaimFilter) (types.JobSlot, error) {
	if err := c.leases.Renew(ctx, owner, c.leaseTTL); err != nil {
		return types.JobSlot{}, fmt.Errorf("claim: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		s := &c.slots[i]
		if s.State != types.SlotPresent || !f.matches(s) {
			continue
		}
		s.State = types.SlotReserved
		s.OwnerID = owner
		s.ReservedAt = c.now().Unix()
		return *s, nil
	}
	return types.JobSlot{}, ErrNoSlot
}

func (c *SharedCache) Release(ctx context.Context, owner string, index int, consumed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.slots) {
		return ErrBadIndex
	}
	s := &c.slots[index]
	if s.State != types.SlotReserved || s.OwnerID != owner {
		return ErrNotOwner
	}
	if consumed {
		delete(c.live, s.ResultID)
		s.Clear()
		return nil
	}
	s.State = types.SlotPresent
	s.OwnerID = ""
	s.ReservedAt = 0
	return nil
}

func (c *SharedCache) Heartbeat(ctx context.Context, owner string) error {
	return c.leases.Renew(ctx, owner, c.leaseTTL)
}

func (c *SharedCache) Snapshot(ctx context.Context) ([]types.JobSlot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.JobSlot(nil), c.slots...), nil
}

// Counts returns the number of slots in each state.
func (c *SharedCache) Counts() (empty, present, reserved int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		switch c.slots[i].State {
		case types.SlotEmpty:
			empty++
		case types.SlotPresent:
			present++
		case types.SlotReserved:
			reserved++
		}
	}
	return empty, present, reserved
}

// The methods below are used by the feeder, the single writer of EMPTY slots.

func (c *SharedCache) contains(resultID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[resultID]
	return ok
}

func (c *SharedCache) setAppIndex(pattern []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if i < len(pattern) {
			c.slots[i].AppIndex = pattern[i]
		} else {
			c.slots[i].AppIndex = 0
		}
	}
}

func (c *SharedCache) fill(index int, s types.JobSlot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.slots) {
		return ErrBadIndex
	}
	cur := &c.slots[index]
	if cur.State != types.SlotEmpty {
		return errNotEmpty
	}
	if _, ok := c.live[s.ResultID]; ok {
		return errCollision
	}
	s.Index = index
	s.AppIndex = cur.AppIndex
	s.State = types.SlotPresent
	s.OwnerID = ""
	s.ReservedAt = 0
	*cur = s
	c.live[s.ResultID] = index
	return nil
}

// reclaim returns a RESERVED slot to PRESENT if it is still held by the same
// reservation.
func (c *SharedCache) reclaim(index int, owner string, reservedAt int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[index]
	if s.State != types.SlotReserved || s.OwnerID != owner || s.ReservedAt != reservedAt {
		return false
	}
	s.State = types.SlotPresent
	s.OwnerID = ""
	s.ReservedAt = 0
	return true
}

// take empties a PRESENT slot that still holds resultID.
func (c *SharedCache) take(index int, resultID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slots[index]
	if s.State != types.SlotPresent || s.ResultID != resultID {
		return false
	}
	delete(c.live, resultID)
	s.Clear()
	return true
}

// update runs fn over the slot array under the lock. fn must not change
// slot states or result ids.
func (c *SharedCache) update(fn func(slots []types.JobSlot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.slots)
}

// Restore loads slots saved by a checkpoint. RESERVED slots come back as
// PRESENT and later duplicates of a result id are dropped. It returns the
// number of slots restored.
func (c *SharedCache) Restore(saved []types.JobSlot) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, s := range saved {
		if s.Index < 0 || s.Index >= len(c.slots) || s.State == types.SlotEmpty {
			continue
		}
		cur := &c.slots[s.Index]
		if cur.State != types.SlotEmpty {
			continue
		}
		if _, dup := c.live[s.ResultID]; dup {
			continue
		}
		s.AppIndex = cur.AppIndex
		s.State = types.SlotPresent
		s.OwnerID = ""
		s.ReservedAt = 0
		*cur = s
		c.live[s.ResultID] = s.Index
		n++
	}
	return n
}
