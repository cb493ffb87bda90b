// Package dispatch is the consumer side of the work cache: it turns a cached
// slot into a result sent to a host, and records the host's report.
//
// The network protocol to hosts is outside this package; callers supply the
// host and hand back what the host reported.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrNoWork        = errors.New("no work available")
	ErrNotInProgress = errors.New("result is not in progress")
)

const (
	maxStaleAttempts = 10
	defaultHeartbeat = 10 * time.Second
)

// ResultReport is what a host sent back for one result.
type ResultReport struct {
	ResultID      int64
	Outcome       types.Outcome
	ClaimedCredit float64
	ElapsedTime   float64
	OutputHash    string
}

// Dispatcher claims cached slots on behalf of hosts.
type Dispatcher struct {
	slots   cache.SlotStore
	store   store.Store
	owner   string
	hrTypes map[int64]int
	log     *slog.Logger
	now     func() time.Time
}

// NewDispatcher returns a dispatcher with a fresh owner id. apps supplies the
// HR type of each app.
func NewDispatcher(slots cache.SlotStore, st store.Store, apps []types.App, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	owner := fmt.Sprintf("dispatch-%s", uuid.New().String()[:8])
	hrTypes := make(map[int64]int, len(apps))
	for _, a := range apps {
		hrTypes[a.ID] = a.HRType
	}
	return &Dispatcher{
		slots:   slots,
		store:   st,
		owner:   owner,
		hrTypes: hrTypes,
		log:     log.With("component", "dispatch", "owner", owner),
		now:     time.Now,
	}
}

// Owner returns the lease owner id.
func (d *Dispatcher) Owner() string {
	return d.owner
}

func (d *Dispatcher) filterFor(host types.Host) cache.ClaimFilter {
	f := cache.ClaimFilter{HostClass: make(map[int64]int, len(d.hrTypes))}
	for appID, t := range d.hrTypes {
		if t != hr.TypeNone {
			f.HostClass[appID] = hr.Classify(t, host)
		}
	}
	return f
}

// Dispatch sends one cached job to host. The claimed slot is always released
// as consumed: either the result was sent, or the slot was stale.
func (d *Dispatcher) Dispatch(ctx context.Context, host types.Host, appVersionID int64) (*types.Result, error) {
	filter := d.filterFor(host)

	for attempt := 0; attempt < maxStaleAttempts; attempt++ {
		slot, err := d.slots.Claim(ctx, d.owner, filter)
		if errors.Is(err, cache.ErrNoSlot) {
			return nil, ErrNoWork
		}
		if err != nil {
			return nil, fmt.Errorf("claim slot: %w", err)
		}

		r, err := d.send(ctx, slot, host, appVersionID)
		if relErr := d.slots.Release(ctx, d.owner, slot.Index, true); relErr != nil {
			d.log.Warn("release slot failed", "slot", slot.Index, "error", relErr)
		}
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return nil, err
			}
			d.log.Info("dropped stale slot", "slot", slot.Index, "result_id", slot.ResultID, "reason", err)
			continue
		}
		return r, nil
	}
	return nil, ErrNoWork
}

func (d *Dispatcher) send(ctx context.Context, slot types.JobSlot, host types.Host, appVersionID int64) (*types.Result, error) {
	r, err := d.store.GetResult(ctx, slot.ResultID)
	if err != nil {
		return nil, err
	}
	if r.ServerState != types.ServerStateUnsent {
		return nil, fmt.Errorf("result %d is %s", r.ID, r.ServerState)
	}
	wu, err := d.store.GetWorkunit(ctx, r.WorkunitID)
	if err != nil {
		return nil, err
	}

	now := d.now().Unix()
	deadline := now + wu.DelayBound
	err = d.store.InTx(ctx, func(ctx context.Context) error {
		if err := d.store.UpdateResult(ctx, r.ID, store.Fields{
			store.ColServerState:    types.ServerStateInProgress,
			store.ColHostID:         host.ID,
			store.ColAppVersionID:   appVersionID,
			store.ColSentTime:       now,
			store.ColReportDeadline: deadline,
		}); err != nil {
			return err
		}

		wuFields := store.Fields{}
		if t := d.hrTypes[wu.AppID]; t != hr.TypeNone && wu.HRClass == 0 {
			if c := hr.Classify(t, host); c != 0 {
				wuFields[store.ColHRClass] = c
			}
		}
		if wu.TransitionTime > deadline {
			wuFields[store.ColTransitionTime] = deadline
		}
		if len(wuFields) == 0 {
			return nil
		}
		return d.store.UpdateWorkunit(ctx, wu.ID, wuFields)
	})
	if err != nil {
		return nil, err
	}

	r.ServerState = types.ServerStateInProgress
	r.HostID = host.ID
	r.AppVersionID = appVersionID
	r.SentTime = now
	r.ReportDeadline = deadline
	d.log.Debug("result sent", "result_id", r.ID, "wu_id", wu.ID, "host_id", host.ID, "deadline", deadline)
	return r, nil
}

// Report records a host's reply and wakes the workunit for the transitioner.
func (d *Dispatcher) Report(ctx context.Context, rep ResultReport) error {
	r, err := d.store.GetResult(ctx, rep.ResultID)
	if err != nil {
		return fmt.Errorf("report result %d: %w", rep.ResultID, err)
	}
	if r.ServerState != types.ServerStateInProgress {
		return fmt.Errorf("report result %d: %w", rep.ResultID, ErrNotInProgress)
	}

	now := d.now().Unix()
	return d.store.InTx(ctx, func(ctx context.Context) error {
		if err := d.store.UpdateResult(ctx, r.ID, store.Fields{
			store.ColServerState:   types.ServerStateOver,
			store.ColOutcome:       rep.Outcome,
			store.ColReceivedTime:  now,
			store.ColClaimedCredit: rep.ClaimedCredit,
			store.ColElapsedTime:   rep.ElapsedTime,
			store.ColOutputHash:    rep.OutputHash,
		}); err != nil {
			return err
		}
		return d.store.UpdateWorkunit(ctx, r.WorkunitID, store.Fields{store.ColTransitionTime: now})
	})
}

// Heartbeat renews the owner lease every interval until ctx is done.
func (d *Dispatcher) Heartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.slots.Heartbeat(ctx, d.owner); err != nil && ctx.Err() == nil {
				d.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
