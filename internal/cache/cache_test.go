package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/lease"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *store.MemoryStore
	cache  *SharedCache
	feeder *Feeder
	leases *lease.MemoryRegistry
	now    time.Time
	appID  int64
}

// newFixture builds a feeder over a memory store holding one app and
// nResults unsent results, each in its own workunit.
func newFixture(t *testing.T, size, nResults int, cfg FeederConfig, app types.App) *fixture {
	t.Helper()
	ctx := context.Background()

	fx := &fixture{store: store.NewMemoryStore(), now: time.Unix(1_000_000, 0)}
	clock := func() time.Time { return fx.now }
	fx.leases = lease.NewMemoryRegistry(clock)
	fx.cache = NewSharedCache(size, fx.leases, 30*time.Second)
	fx.cache.now = clock

	if app.Name == "" {
		app.Name = "app"
	}
	appID, err := fx.store.InsertApp(ctx, app)
	require.NoError(t, err)
	fx.appID = appID
	for i := 0; i < nResults; i++ {
		fx.addJob(t, 0, float64(i+1))
	}

	fx.feeder = NewFeeder(fx.cache, fx.store, nil, cfg, nil)
	fx.feeder.now = clock
	require.NoError(t, fx.feeder.Init(ctx))
	return fx
}

func (fx *fixture) addJob(t *testing.T, hrClass int, fpops float64) (wuID, resultID int64) {
	t.Helper()
	ctx := context.Background()
	wuID, err := fx.store.InsertWorkunit(ctx, types.Workunit{
		AppID:          fx.appID,
		Name:           "wu",
		TargetNResults: 1,
		MinQuorum:      1,
		HRClass:        hrClass,
		DelayBound:     3600,
		RscFpopsEst:    fpops,
		TransitionTime: types.Never,
	})
	require.NoError(t, err)
	resultID, err = fx.store.InsertResult(ctx, types.Result{
		WorkunitID:  wuID,
		AppID:       fx.appID,
		ServerState: types.ServerStateUnsent,
	})
	require.NoError(t, err)
	return wuID, resultID
}

func assertNoCollisions(t *testing.T, c *SharedCache) {
	t.Helper()
	slots, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	seen := make(map[int64]int)
	for _, s := range slots {
		if !s.Live() {
			continue
		}
		if prev, ok := seen[s.ResultID]; ok {
			t.Fatalf("result %d cached in slots %d and %d", s.ResultID, prev, s.Index)
		}
		seen[s.ResultID] = s.Index
	}
}

func TestScanFillsEmptySlots(t *testing.T) {
	fx := newFixture(t, 4, 10, FeederConfig{}, types.App{})

	report, err := fx.feeder.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Filled)
	empty, present, reserved := fx.cache.Counts()
	assert.Equal(t, 0, empty)
	assert.Equal(t, 4, present)
	assert.Equal(t, 0, reserved)
	assertNoCollisions(t, fx.cache)
}

func TestScanCollisionInvariant(t *testing.T) {
	fx := newFixture(t, 8, 5, FeederConfig{EnumLimit: 3}, types.App{})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for pass := 0; pass < 25; pass++ {
		_, err := fx.feeder.Scan(ctx)
		require.NoError(t, err)
		assertNoCollisions(t, fx.cache)

		// Consume a random slot as a dispatcher would, and add fresh work.
		owner := fmt.Sprintf("dispatch-%d", pass)
		slot, err := fx.cache.Claim(ctx, owner, ClaimFilter{})
		if err == nil {
			if rng.Intn(2) == 0 {
				require.NoError(t, fx.store.UpdateResult(ctx, slot.ResultID, store.Fields{store.ColServerState: types.ServerStateInProgress}))
				require.NoError(t, fx.cache.Release(ctx, owner, slot.Index, true))
			} else {
				require.NoError(t, fx.cache.Release(ctx, owner, slot.Index, false))
			}
		}
		if rng.Intn(3) == 0 {
			fx.addJob(t, 0, 1)
		}
	}
}

func TestScanCountsCollisionsOnRestart(t *testing.T) {
	// Two results and four slots: the restarted enumeration yields cached results again.
	fx := newFixture(t, 4, 2, FeederConfig{}, types.App{})

	report, err := fx.feeder.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Filled)
	assert.Positive(t, report.Collisions)
	assert.Equal(t, 2, report.Exhausted)
	assertNoCollisions(t, fx.cache)
}

func TestScanSkipsResultsNoLongerUnsent(t *testing.T) {
	fx := newFixture(t, 2, 0, FeederConfig{}, types.App{})
	ctx := context.Background()
	_, sent := fx.addJob(t, 0, 1)
	_, unsent := fx.addJob(t, 0, 1)

	// Prime the cursor, then change the row behind its back.
	_, _, err := fx.feeder.cursors[0].Next(ctx)
	require.NoError(t, err)
	fx.feeder.cursors[0].pos = 0
	require.NoError(t, fx.store.UpdateResult(ctx, sent, store.Fields{store.ColServerState: types.ServerStateInProgress}))

	report, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Skipped, 1)

	slots, _ := fx.cache.Snapshot(ctx)
	var cached []int64
	for _, s := range slots {
		if s.Live() {
			cached = append(cached, s.ResultID)
		}
	}
	assert.Equal(t, []int64{unsent}, cached)
}

func TestScanReclaimsDeadOwner(t *testing.T) {
	fx := newFixture(t, 1, 1, FeederConfig{}, types.App{})
	ctx := context.Background()

	_, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	slot, err := fx.cache.Claim(ctx, "dispatch-dead", ClaimFilter{})
	require.NoError(t, err)

	report, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reclaimed, "lease still valid")

	fx.now = fx.now.Add(31 * time.Second)
	report, err = fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reclaimed)

	slots, _ := fx.cache.Snapshot(ctx)
	assert.Equal(t, types.SlotPresent, slots[0].State)
	assert.Equal(t, slot.ResultID, slots[0].ResultID)
	assert.Empty(t, slots[0].OwnerID)

	assert.ErrorIs(t, fx.cache.Release(ctx, "dispatch-dead", 0, true), ErrNotOwner)
}

func TestPurgeStaleUncommitsHRClass(t *testing.T) {
	fx := newFixture(t, 1, 0, FeederConfig{}, types.App{HRType: hr.TypeOSCPU})
	ctx := context.Background()
	wuID, resultID := fx.addJob(t, 5, 1)
	require.NoError(t, fx.store.UpdateWorkunit(ctx, wuID, store.Fields{store.ColTargetNResults: 2}))

	require.NoError(t, fx.cache.fill(0, types.JobSlot{
		ResultID: resultID,
		Workunit: types.WorkunitSnapshot{ID: wuID, AppID: fx.appID, HRClass: 5},
	}))
	slots, _ := fx.cache.Snapshot(ctx)

	purged, err := fx.feeder.PurgeStale(ctx, slots[0])
	require.NoError(t, err)
	assert.True(t, purged)

	wu, err := fx.store.GetWorkunit(ctx, wuID)
	require.NoError(t, err)
	assert.Equal(t, 0, wu.HRClass)
	assert.Equal(t, 3, wu.TargetNResults)

	slots, _ = fx.cache.Snapshot(ctx)
	assert.Equal(t, types.SlotEmpty, slots[0].State)
}

func TestPurgeStaleUncommittedLeavesWorkunit(t *testing.T) {
	fx := newFixture(t, 1, 0, FeederConfig{}, types.App{})
	ctx := context.Background()
	wuID, resultID := fx.addJob(t, 0, 1)
	require.NoError(t, fx.cache.fill(0, types.JobSlot{
		ResultID: resultID,
		Workunit: types.WorkunitSnapshot{ID: wuID, AppID: fx.appID},
	}))
	before := fx.store.UpdateCount()

	slots, _ := fx.cache.Snapshot(ctx)
	purged, err := fx.feeder.PurgeStale(ctx, slots[0])
	require.NoError(t, err)
	assert.True(t, purged)
	assert.Equal(t, before, fx.store.UpdateCount())
}

func TestScanPurgesStaleSlots(t *testing.T) {
	fx := newFixture(t, 1, 2, FeederConfig{PurgeStaleAge: time.Hour}, types.App{})
	ctx := context.Background()

	_, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	first, _ := fx.cache.Snapshot(ctx)

	fx.now = fx.now.Add(2 * time.Hour)
	report, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, 1, report.Filled)

	second, _ := fx.cache.Snapshot(ctx)
	assert.Equal(t, types.SlotPresent, second[0].State)
	assert.NotEqual(t, first[0].ResultID, second[0].ResultID)
}

func TestScanRefillsPurgedHRSlot(t *testing.T) {
	fx := newFixture(t, 2, 0, FeederConfig{PurgeStaleAge: time.Hour}, types.App{HRType: hr.TypeOS})
	ctx := context.Background()
	fx.feeder.Allocator().SetRAC(hr.TypeOS, 2, 100)
	require.NoError(t, fx.feeder.Reread(ctx))
	require.Equal(t, 1, fx.feeder.Allocator().Stats(hr.TypeOS)[2].MaxSlots)

	staleWU, staleResult := fx.addJob(t, 2, 1)
	require.NoError(t, fx.store.UpdateResult(ctx, staleResult, store.Fields{store.ColServerState: types.ServerStateInProgress}))
	require.NoError(t, fx.cache.fill(0, types.JobSlot{
		ResultID: staleResult,
		Workunit: types.WorkunitSnapshot{ID: staleWU, AppID: fx.appID, HRClass: 2},
	}))
	_, fresh := fx.addJob(t, 2, 1)

	report, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Purged)
	assert.Equal(t, 1, report.Filled)
	assert.Zero(t, report.Rejected)

	slots, _ := fx.cache.Snapshot(ctx)
	assert.Equal(t, fresh, slots[0].ResultID)
}

func TestScanHRQuotaRejects(t *testing.T) {
	fx := newFixture(t, 4, 0, FeederConfig{}, types.App{HRType: hr.TypeOS})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		fx.addJob(t, 2, 1)
	}
	// No RAC recorded: committed classes get no slots.
	report, err := fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Filled)
	assert.Positive(t, report.Rejected)

	fx.feeder.Allocator().SetRAC(hr.TypeOS, 2, 100)
	require.NoError(t, fx.feeder.Reread(ctx))
	report, err = fx.feeder.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Filled, "half of four slots go to class 2")
}

func TestScanStoreUnavailableIsFatal(t *testing.T) {
	fx := newFixture(t, 2, 2, FeederConfig{}, types.App{})
	fx.store.SetUnavailable(true)

	_, err := fx.feeder.Scan(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestInterleavedAppsGetOwnSlots(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	a1, _ := st.InsertApp(ctx, types.App{Name: "a1", Weight: 1})
	a2, _ := st.InsertApp(ctx, types.App{Name: "a2", Weight: 1})
	for _, app := range []int64{a1, a2} {
		for i := 0; i < 4; i++ {
			wu, _ := st.InsertWorkunit(ctx, types.Workunit{AppID: app, TransitionTime: types.Never})
			_, err := st.InsertResult(ctx, types.Result{WorkunitID: wu, AppID: app, ServerState: types.ServerStateUnsent})
			require.NoError(t, err)
		}
	}

	c := NewSharedCache(4, nil, time.Minute)
	f := NewFeeder(c, st, nil, FeederConfig{Interleave: true}, nil)
	require.NoError(t, f.Init(ctx))
	_, err := f.Scan(ctx)
	require.NoError(t, err)

	slots, _ := c.Snapshot(ctx)
	want := []int64{a1, a2, a1, a2}
	for i, s := range slots {
		assert.Equal(t, want[i], s.Workunit.AppID, "slot %d", i)
	}
}

func TestUpdateJobStats(t *testing.T) {
	fx := newFixture(t, 3, 0, FeederConfig{}, types.App{})
	for i, fpops := range []float64{10, 20, 30} {
		_, rid := fx.addJob(t, 0, fpops)
		require.NoError(t, fx.cache.fill(i, types.JobSlot{ResultID: rid, Workunit: types.WorkunitSnapshot{RscFpopsEst: fpops}}))
	}

	fx.feeder.UpdateJobStats()

	slots, _ := fx.cache.Snapshot(context.Background())
	stdev := 8.16496580927726
	assert.InDelta(t, -10/stdev, slots[0].CostZScore, 1e-9)
	assert.InDelta(t, 0, slots[1].CostZScore, 1e-9)
	assert.InDelta(t, 10/stdev, slots[2].CostZScore, 1e-9)
}

func TestClaimFilter(t *testing.T) {
	c := NewSharedCache(3, nil, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.fill(0, types.JobSlot{ResultID: 1, Workunit: types.WorkunitSnapshot{AppID: 7, HRClass: 3}}))
	require.NoError(t, c.fill(1, types.JobSlot{ResultID: 2, Workunit: types.WorkunitSnapshot{AppID: 8}}))
	require.NoError(t, c.fill(2, types.JobSlot{ResultID: 3, Workunit: types.WorkunitSnapshot{AppID: 7}}))

	got, err := c.Claim(ctx, "d1", ClaimFilter{AppIDs: []int64{7}, HostClass: map[int64]int{7: 4}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ResultID, "class 3 slot needs a class 3 host")
	assert.Equal(t, types.SlotReserved, got.State)
	assert.Equal(t, "d1", got.OwnerID)

	got, err = c.Claim(ctx, "d2", ClaimFilter{HostClass: map[int64]int{7: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ResultID)

	_, err = c.Claim(ctx, "d3", ClaimFilter{AppIDs: []int64{9}})
	assert.ErrorIs(t, err, ErrNoSlot)

	assert.ErrorIs(t, c.Release(ctx, "d2", 2, true), ErrNotOwner)
	assert.ErrorIs(t, c.Release(ctx, "d2", 10, true), ErrBadIndex)
	require.NoError(t, c.Release(ctx, "d2", 0, true))
	assert.False(t, c.contains(1))
}

func TestCursorStateMachine(t *testing.T) {
	ctx := context.Background()
	fetches := 0
	cur := NewCursor(func(context.Context) ([]store.Candidate, error) {
		fetches++
		return []store.Candidate{{Result: types.Result{ID: 1}}, {Result: types.Result{ID: 2}}}, nil
	})

	var ids []int64
	for {
		cand, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, cand.Result.ID)
	}
	assert.Equal(t, []int64{1, 2, 1, 2}, ids)
	assert.Equal(t, CursorExhaustedTwice, cur.State())
	assert.Equal(t, 2, fetches)

	_, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no further restarts in the same scan")

	cur.Reset()
	assert.Equal(t, CursorActive, cur.State())
	cand, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), cand.Result.ID)
	assert.Equal(t, CursorExhaustedOnce, cur.State())
}

func TestCursorFetchError(t *testing.T) {
	boom := errors.New("boom")
	cur := NewCursor(func(context.Context) ([]store.Candidate, error) { return nil, boom })
	_, _, err := cur.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := NewSharedCache(4, nil, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.fill(0, types.JobSlot{ResultID: 11, Workunit: types.WorkunitSnapshot{ID: 1, HRClass: 2}, TimeAdded: 5}))
	require.NoError(t, c.fill(2, types.JobSlot{ResultID: 12, Workunit: types.WorkunitSnapshot{ID: 2}}))
	_, err := c.Claim(ctx, "d1", ClaimFilter{HostClass: map[int64]int{0: 2}})
	require.NoError(t, err)

	m := NewCheckpointManager(filepath.Join(t.TempDir(), "slots.json"))
	n, err := m.Save(c)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, m.Exists())

	restored := NewSharedCache(4, nil, time.Minute)
	n, err = m.Restore(restored)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	slots, _ := restored.Snapshot(ctx)
	assert.Equal(t, types.SlotPresent, slots[0].State, "reserved slots come back present")
	assert.Empty(t, slots[0].OwnerID)
	assert.Equal(t, int64(11), slots[0].ResultID)
	assert.Equal(t, 2, slots[0].Workunit.HRClass)
	assert.Equal(t, int64(5), slots[0].TimeAdded)
	assert.Equal(t, types.SlotEmpty, slots[1].State)
	assert.Equal(t, int64(12), slots[2].ResultID)
}

func TestRestoreDropsDuplicatesAndBadIndexes(t *testing.T) {
	c := NewSharedCache(2, nil, time.Minute)
	n := c.Restore([]types.JobSlot{
		{Index: 0, State: types.SlotPresent, ResultID: 5},
		{Index: 1, State: types.SlotReserved, ResultID: 5},
		{Index: 9, State: types.SlotPresent, ResultID: 6},
	})
	assert.Equal(t, 1, n)
	assertNoCollisions(t, c)
}

func TestCheckpointLoadErrors(t *testing.T) {
	dir := t.TempDir()

	missing := NewCheckpointManager(filepath.Join(dir, "missing.json"))
	cp, err := missing.Load()
	require.NoError(t, err)
	assert.Empty(t, cp.Slots)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	_, err = NewCheckpointManager(corrupt).Load()
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)

	tampered := filepath.Join(dir, "tampered.json")
	require.NoError(t, os.WriteFile(tampered, []byte(`{"schema_version": 1, "size": 2, "checksum": 1, "slots": [{"Index": 0, "ResultID": 3}]}`), 0o644))
	_, err = NewCheckpointManager(tampered).Load()
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"schema_version": 9}`), 0o644))
	_, err = NewCheckpointManager(future).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
