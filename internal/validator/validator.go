// Package validator resolves redundant results of a workunit into one
// canonical result, grants credit and keeps per-host reliability figures.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

var ErrMissingCanonical = errors.New("canonical result not found")

const (
	defaultMaxJobsPerDay = 100
	minJobsPerDay        = 1
)

// Config controls one validator instance.
type Config struct {
	AppID     int64
	BatchSize int
	Shard     store.Shard
	// MaxJobsPerDay bounds the per host app version daily quota.
	MaxJobsPerDay int
}

// Status is what HandleWorkunit did with a workunit.
type Status int

const (
	StatusDeferred Status = iota
	StatusValidated
	StatusInconclusive
	StatusRetry
	StatusPairChecked
)

func (s Status) String() string {
	switch s {
	case StatusDeferred:
		return "deferred"
	case StatusValidated:
		return "validated"
	case StatusInconclusive:
		return "inconclusive"
	case StatusRetry:
		return "retry"
	case StatusPairChecked:
		return "pair_checked"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PassReport summarizes one pass.
type PassReport struct {
	Examined     int
	Validated    int
	Inconclusive int
	Retried      int
	Failed       int
}

type Validator struct {
	store   store.Store
	checker *Checker
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(st store.Store, cmp Comparator, policy QuorumPolicy, cfg Config, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxJobsPerDay <= 0 {
		cfg.MaxJobsPerDay = defaultMaxJobsPerDay
	}
	return &Validator{
		store:   st,
		checker: NewChecker(cmp, policy),
		cfg:     cfg,
		log:     log.With("component", "validator"),
		now:     time.Now,
	}
}

// Pass validates every workunit flagged need_validate once.
func (v *Validator) Pass(ctx context.Context) (PassReport, error) {
	var report PassReport
	wus, err := v.store.EnumerateNeedValidate(ctx, store.WorkunitQuery{
		AppID: v.cfg.AppID,
		Shard: v.cfg.Shard,
		Limit: v.cfg.BatchSize,
	})
	if err != nil {
		return report, fmt.Errorf("enumerate need_validate: %w", err)
	}

	for _, wu := range wus {
		report.Examined++
		st, err := v.HandleWorkunit(ctx, wu)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return report, err
			}
			report.Failed++
			if errors.Is(err, ErrMissingCanonical) {
				logging.Critical(v.log, "workunit abandoned", "wu_id", wu.ID, "error", err)
			} else {
				v.log.Error("validation failed", "wu_id", wu.ID, "error", err)
			}
			continue
		}
		switch st {
		case StatusValidated, StatusPairChecked:
			report.Validated++
		case StatusInconclusive:
			report.Inconclusive++
		case StatusRetry:
			report.Retried++
		}
	}
	if report.Examined > 0 {
		v.log.Info("validation pass", "examined", report.Examined, "validated", report.Validated,
			"inconclusive", report.Inconclusive, "retried", report.Retried, "failed", report.Failed)
	}
	return report, nil
}

// HandleWorkunit validates one workunit. Transient comparator errors leave
// the workunit flagged so a later pass picks it up again.
func (v *Validator) HandleWorkunit(ctx context.Context, wu types.Workunit) (Status, error) {
	results, err := v.store.ResultsForWorkunit(ctx, wu.ID)
	if err != nil {
		return StatusDeferred, err
	}
	if wu.HasCanonical() {
		return v.checkAgainstCanonical(ctx, wu, results)
	}

	d, err := v.checker.CheckSet(ctx, wu, results)
	if d.Retry {
		v.log.Warn("validation will be retried", "wu_id", wu.ID, "error", err)
		return StatusRetry, nil
	}
	if err != nil {
		return StatusDeferred, err
	}

	wuFields := store.Fields{}
	status := StatusDeferred
	switch {
	case d.CanonicalID != 0:
		wuFields[store.ColCanonicalResultID] = d.CanonicalID
		wuFields[store.ColCanonicalCredit] = d.Credit
		status = StatusValidated
		v.log.Info("canonical result chosen", "wu_id", wu.ID, "result_id", d.CanonicalID, "credit", d.Credit)
	case d.Inconclusive:
		wuFields[store.ColTargetNResults] = wu.TargetNResults + 1
		status = StatusInconclusive
		logging.Trace(v.log, "inconclusive", "wu_id", wu.ID, "target_nresults", wu.TargetNResults+1)
	case d.Uncounted > 0 && wu.MinQuorum+d.Uncounted > wu.TargetNResults:
		// Successes the policy ignores still fill the transitioner's target.
		target := wu.MinQuorum + d.Uncounted
		wuFields[store.ColTargetNResults] = target
		v.log.Info("results outside quorum, asking for more", "wu_id", wu.ID, "uncounted", d.Uncounted, "target_nresults", target)
	case d.Deferred:
		// Nothing to hand back; the next report wakes the workunit.
		if err := v.store.UpdateWorkunit(ctx, wu.ID, store.Fields{store.ColNeedValidate: false}); err != nil {
			return StatusDeferred, fmt.Errorf("update workunit: %w", err)
		}
		return StatusDeferred, nil
	}
	if err := v.apply(ctx, wu, results, d.Updates, wuFields); err != nil {
		return StatusDeferred, err
	}
	return status, nil
}

func (v *Validator) checkAgainstCanonical(ctx context.Context, wu types.Workunit, results []types.Result) (Status, error) {
	var canonical *types.Result
	for i := range results {
		if results[i].ID == wu.CanonicalResultID {
			canonical = &results[i]
			break
		}
	}
	if canonical == nil {
		return StatusDeferred, fmt.Errorf("workunit %d result %d: %w", wu.ID, wu.CanonicalResultID, ErrMissingCanonical)
	}

	updates := make(map[int64]ResultUpdate)
	for i := range results {
		r := results[i]
		if r.ID == canonical.ID || !r.IsSuccess() || r.ValidateState != types.ValidateInit {
			continue
		}
		u, retry, err := v.checker.CheckPair(ctx, wu, *canonical, r)
		if retry {
			v.log.Warn("validation will be retried", "wu_id", wu.ID, "result_id", r.ID, "error", err)
			return StatusRetry, nil
		}
		if err != nil {
			return StatusDeferred, err
		}
		updates[r.ID] = u
	}
	if err := v.apply(ctx, wu, results, updates, store.Fields{}); err != nil {
		return StatusDeferred, err
	}
	return StatusPairChecked, nil
}

// apply writes verdicts and host bookkeeping, clears need_validate and wakes
// the transitioner.
func (v *Validator) apply(ctx context.Context, wu types.Workunit, results []types.Result, updates map[int64]ResultUpdate, wuFields store.Fields) error {
	wuFields[store.ColNeedValidate] = false
	wuFields[store.ColTransitionTime] = v.now().Unix()

	return v.store.InTx(ctx, func(ctx context.Context) error {
		for i := range results {
			r := &results[i]
			u, ok := updates[r.ID]
			if !ok {
				continue
			}
			f := store.Fields{store.ColValidateState: u.ValidateState}
			if u.Outcome != r.Outcome {
				f[store.ColOutcome] = u.Outcome
			}
			if u.ValidateState == types.ValidateValid {
				f[store.ColGrantedCredit] = u.GrantedCredit
			}
			if err := v.store.UpdateResult(ctx, r.ID, f); err != nil {
				return fmt.Errorf("update result %d: %w", r.ID, err)
			}
			if err := v.recordHost(ctx, wu, r, u.ValidateState); err != nil {
				return err
			}
		}
		if err := v.store.UpdateWorkunit(ctx, wu.ID, wuFields); err != nil {
			return fmt.Errorf("update workunit: %w", err)
		}
		return nil
	})
}

// recordHost adjusts the reliability figures of the host that returned r.
func (v *Validator) recordHost(ctx context.Context, wu types.Workunit, r *types.Result, state types.ValidateState) error {
	if r.HostID == 0 || (state != types.ValidateValid && state != types.ValidateInvalid) {
		return nil
	}
	hav, err := v.store.GetHostAppVersion(ctx, r.HostID, r.AppVersionID)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		hav = &types.HostAppVersion{HostID: r.HostID, AppVersionID: r.AppVersionID, MaxJobsPerDay: v.cfg.MaxJobsPerDay}
	case err != nil:
		return fmt.Errorf("host app version %d/%d: %w", r.HostID, r.AppVersionID, err)
	}

	if state == types.ValidateValid {
		if wu.MinQuorum > 1 {
			hav.ConsecutiveValid++
		}
		if hav.MaxJobsPerDay < v.cfg.MaxJobsPerDay {
			hav.MaxJobsPerDay++
		}
		if r.ElapsedTime > 0 {
			hav.UpdateET(r.ElapsedTime)
		}
	} else {
		hav.ConsecutiveValid = 0
		if hav.MaxJobsPerDay > minJobsPerDay {
			hav.MaxJobsPerDay--
		}
	}
	return v.store.UpsertHostAppVersion(ctx, *hav)
}
