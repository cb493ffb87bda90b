package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

// FeederConfig controls how the feeder fills the cache.
type FeederConfig struct {
	// EnumLimit bounds each enumeration query.
	EnumLimit int
	// PurgeStaleAge empties PRESENT slots older than this. Zero disables purging.
	PurgeStaleAge time.Duration
	// Interleave gives each app its own enumerator and assigns slots by app weight.
	Interleave bool
	// Shard restricts enumeration to result ids id % N == I.
	Shard store.Shard
	// HRInfoFile is the census file read at init and on reread. Empty disables it.
	HRInfoFile string
}

// ScanReport summarizes one scan.
type ScanReport struct {
	Filled     int `json:"filled"`
	Collisions int `json:"collisions"`
	Skipped    int `json:"skipped"` // results no longer UNSENT
	Rejected   int `json:"rejected"` // HR quota
	Purged     int `json:"purged"`
	Reclaimed  int `json:"reclaimed"`
	Exhausted  int `json:"exhausted"` // slots left empty because enumeration ran dry
}

// Feeder is the only writer of EMPTY slots.
type Feeder struct {
	cache   *SharedCache
	store   store.Store
	alloc   *hr.Allocator
	cfg     FeederConfig
	log     *slog.Logger
	now     func() time.Time
	apps    []types.App
	appByID map[int64]types.App
	cursors []*Cursor
}

// NewFeeder wires a feeder. Call Init before the first Scan.
func NewFeeder(c *SharedCache, st store.Store, alloc *hr.Allocator, cfg FeederConfig, log *slog.Logger) *Feeder {
	if log == nil {
		log = slog.Default()
	}
	if alloc == nil {
		alloc = hr.NewAllocator(log)
	}
	return &Feeder{
		cache: c,
		store: st,
		alloc: alloc,
		cfg:   cfg,
		log:   log.With("component", "feeder"),
		now:   time.Now,
	}
}

// Cache returns the slot array being fed.
func (f *Feeder) Cache() *SharedCache {
	return f.cache
}

// Allocator returns the HR allocator.
func (f *Feeder) Allocator() *hr.Allocator {
	return f.alloc
}

// Init loads apps, builds enumerators and the slot pattern, and computes HR quotas.
func (f *Feeder) Init(ctx context.Context) error {
	apps, err := f.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("load apps: %w", err)
	}
	f.apps = f.apps[:0]
	f.appByID = make(map[int64]types.App)
	for _, a := range apps {
		if a.Disabled {
			continue
		}
		f.apps = append(f.apps, a)
		f.appByID[a.ID] = a
	}
	if len(f.apps) == 0 {
		return errors.New("no enabled apps")
	}

	f.cursors = nil
	pattern := make([]int, f.cache.Size())
	if f.cfg.Interleave && len(f.apps) > 1 {
		weights := make([]float64, len(f.apps))
		for i, a := range f.apps {
			weights[i] = a.Weight
			f.cursors = append(f.cursors, f.newCursor(a.ID))
		}
		pattern = WeightedInterleave(weights, f.cache.Size())
	} else {
		f.cursors = append(f.cursors, f.newCursor(0))
	}
	f.cache.setAppIndex(pattern)

	return f.Reread(ctx)
}

// Reread reloads the HR info file and recomputes slot quotas.
func (f *Feeder) Reread(ctx context.Context) error {
	if f.cfg.HRInfoFile != "" {
		if err := f.alloc.ReadFile(f.cfg.HRInfoFile); err != nil {
			// The last good census stays in effect.
			f.log.Warn("hr info file not loaded", "path", f.cfg.HRInfoFile, "error", err)
		}
	}

	typeWeights := make([]float64, hr.NumTypes)
	for _, a := range f.apps {
		if a.HRType > 0 && a.HRType < hr.NumTypes {
			w := a.Weight
			if w <= 0 {
				w = 1
			}
			typeWeights[a.HRType] += w
		}
	}
	f.alloc.Allocate(f.cache.Size(), typeWeights)
	f.log.Info("hr quotas computed", "apps", len(f.apps), "slots", f.cache.Size(), "enumerators", len(f.cursors))
	return nil
}

func (f *Feeder) newCursor(appID int64) *Cursor {
	q := store.UnsentQuery{AppID: appID, Shard: f.cfg.Shard, Limit: f.cfg.EnumLimit}
	return NewCursor(func(ctx context.Context) ([]store.Candidate, error) {
		return f.store.EnumerateUnsent(ctx, q)
	})
}

func (f *Feeder) hrType(appID int64) int {
	return f.appByID[appID].HRType
}

// Scan makes one pass over the slot array. A store enumeration failure
// aborts the scan and is returned; the caller treats it as fatal.
func (f *Feeder) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if len(f.cursors) == 0 {
		return report, errors.New("feeder not initialized")
	}

	snap, _ := f.cache.Snapshot(ctx)

	f.alloc.ResetCounts()
	for i := range snap {
		if snap[i].Live() {
			f.alloc.Count(f.hrType(snap[i].Workunit.AppID), snap[i].Workunit.HRClass)
		}
	}
	for _, c := range f.cursors {
		c.Reset()
	}

	now := f.now()
	for i := range snap {
		s := snap[i]
		switch s.State {
		case types.SlotReserved:
			alive, err := f.cache.leases.Alive(ctx, s.OwnerID)
			if err != nil {
				f.log.Warn("lease check failed", "slot", i, "owner", s.OwnerID, "error", err)
				continue
			}
			if !alive && f.cache.reclaim(i, s.OwnerID, s.ReservedAt) {
				report.Reclaimed++
				f.log.Info("reclaimed slot from dead owner", "slot", i, "owner", s.OwnerID, "result_id", s.ResultID)
			}
			continue
		case types.SlotPresent:
			if !f.stale(s, now) {
				continue
			}
			purged, err := f.PurgeStale(ctx, s)
			if err != nil {
				return report, err
			}
			if !purged {
				continue
			}
			f.alloc.Uncount(f.hrType(s.Workunit.AppID), s.Workunit.HRClass)
			report.Purged++
		}

		if err := f.fillSlot(ctx, i, s.AppIndex, &report); err != nil {
			return report, err
		}
	}

	f.UpdateJobStats()
	f.log.Debug("scan complete",
		"filled", report.Filled,
		"collisions", report.Collisions,
		"skipped", report.Skipped,
		"rejected", report.Rejected,
		"purged", report.Purged,
		"reclaimed", report.Reclaimed,
	)
	return report, nil
}

func (f *Feeder) stale(s types.JobSlot, now time.Time) bool {
	if f.cfg.PurgeStaleAge <= 0 {
		return false
	}
	return now.Sub(time.Unix(s.TimeAdded, 0)) > f.cfg.PurgeStaleAge
}

func (f *Feeder) fillSlot(ctx context.Context, index, ai int, report *ScanReport) error {
	if ai < 0 || ai >= len(f.cursors) {
		ai = 0
	}
	cur := f.cursors[ai]

	for {
		cand, ok, err := cur.Next(ctx)
		if err != nil {
			return fmt.Errorf("enumerate for slot %d: %w", index, err)
		}
		if !ok {
			report.Exhausted++
			return nil
		}

		if f.cache.contains(cand.Result.ID) {
			report.Collisions++
			logging.Trace(f.log, "collision", "slot", index, "result_id", cand.Result.ID)
			continue
		}

		r, err := f.store.GetResult(ctx, cand.Result.ID)
		if errors.Is(err, store.ErrRecordNotFound) {
			report.Skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("check result %d: %w", cand.Result.ID, err)
		}
		if r.ServerState != types.ServerStateUnsent {
			report.Skipped++
			continue
		}

		if !f.alloc.Accept(f.hrType(cand.Workunit.AppID), cand.Workunit.HRClass) {
			report.Rejected++
			continue
		}

		slot := types.JobSlot{
			ResultID: cand.Result.ID,
			Workunit: types.WorkunitSnapshot{
				ID:             cand.Workunit.ID,
				AppID:          cand.Workunit.AppID,
				HRClass:        cand.Workunit.HRClass,
				Priority:       cand.Workunit.Priority,
				ReportDeadline: cand.Workunit.DelayBound,
				ServerState:    r.ServerState,
				RscFpopsEst:    cand.Workunit.RscFpopsEst,
			},
			TimeAdded: f.now().Unix(),
		}
		if err := f.cache.fill(index, slot); err != nil {
			if errors.Is(err, errCollision) {
				report.Collisions++
				continue
			}
			return err
		}
		report.Filled++
		logging.Trace(f.log, "filled slot", "slot", index, "result_id", slot.ResultID, "wu_id", slot.Workunit.ID)
		return nil
	}
}

// PurgeStale empties a slot that sat unclaimed too long. If its workunit was
// committed to an HR class the commitment is dropped and target_nresults is
// raised by one so another replica gets created. It reports whether the slot
// was emptied; a slot claimed meanwhile is left alone.
func (f *Feeder) PurgeStale(ctx context.Context, s types.JobSlot) (bool, error) {
	if !f.cache.take(s.Index, s.ResultID) {
		return false, nil
	}
	f.log.Info("purged stale slot", "slot", s.Index, "result_id", s.ResultID, "wu_id", s.Workunit.ID)

	wu, err := f.store.GetWorkunit(ctx, s.Workunit.ID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return true, err
		}
		f.log.Warn("purge: workunit lookup failed", "wu_id", s.Workunit.ID, "error", err)
		return true, nil
	}
	if wu.HRClass == 0 {
		return true, nil
	}
	err = f.store.UpdateWorkunit(ctx, wu.ID, store.Fields{
		store.ColHRClass:        0,
		store.ColTargetNResults: wu.TargetNResults + 1,
	})
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return true, err
		}
		f.log.Warn("purge: uncommit hr class failed", "wu_id", wu.ID, "error", err)
	}
	return true, nil
}

// UpdateJobStats stores each live slot's cost z-score against the mean and
// standard deviation of estimated cost over all live slots.
func (f *Feeder) UpdateJobStats() {
	f.cache.update(func(slots []types.JobSlot) {
		var n, sum, sumSq float64
		for i := range slots {
			if !slots[i].Live() {
				continue
			}
			x := slots[i].Workunit.RscFpopsEst
			n++
			sum += x
			sumSq += x * x
		}
		if n == 0 {
			return
		}
		mean := sum / n
		variance := sumSq/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		stdev := math.Sqrt(variance)
		for i := range slots {
			if !slots[i].Live() {
				continue
			}
			if stdev == 0 {
				slots[i].CostZScore = 0
				continue
			}
			slots[i].CostZScore = (slots[i].Workunit.RscFpopsEst - mean) / stdev
		}
	})
}
