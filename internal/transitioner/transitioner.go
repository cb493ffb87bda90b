// ============================================================================
// Transitioner - workunit/result state machine
// ============================================================================
//
// Package: internal/transitioner
//
// A workunit is examined whenever its transition_time has passed. One
// examination times out overdue results, flags the workunit for validation,
// accumulates error bits, creates replacement results, moves the workunit
// towards assimilation and file deletion, and sets the next transition_time.
//
// Result server states:
//   UNSENT
//      | dispatched to a host
//   IN_PROGRESS
//      | host reports, or report_deadline passes (NO_REPLY)
//   OVER (SUCCESS | CLIENT_ERROR | NO_REPLY | COULDNT_SEND | DIDNT_NEED | VALIDATE_ERROR)
//
// Workunit assimilate_state: INIT -> READY (canonical found or error) -> DONE.
//
// Only server-state fields are written here; validate and credit fields
// belong to the validator. A pass with no new events writes nothing.
//
// ============================================================================

package transitioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

// Config controls one transitioner instance.
type Config struct {
	BatchSize int
	Shard     store.Shard
}

// Summary describes what one examination of a workunit did.
type Summary struct {
	TimedOut int
	Created  int
	Changed  bool
}

// PassReport summarizes one pass.
type PassReport struct {
	Examined int
	TimedOut int
	Created  int
	Failed   int
}

type Transitioner struct {
	store store.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	rng   *rand.Rand
}

func New(st store.Store, cfg Config, log *slog.Logger) *Transitioner {
	if log == nil {
		log = slog.Default()
	}
	return &Transitioner{
		store: st,
		cfg:   cfg,
		log:   log.With("component", "transitioner"),
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pass examines every due workunit once. Row failures are logged and
// skipped; a store enumeration failure is returned.
func (t *Transitioner) Pass(ctx context.Context) (PassReport, error) {
	var report PassReport
	wus, err := t.store.EnumerateTransitions(ctx, store.TransitionQuery{
		Now:   t.now().Unix(),
		Shard: t.cfg.Shard,
		Limit: t.cfg.BatchSize,
	})
	if err != nil {
		return report, fmt.Errorf("enumerate transitions: %w", err)
	}

	for _, wu := range wus {
		s, err := t.HandleWorkunit(ctx, wu)
		report.Examined++
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return report, err
			}
			report.Failed++
			t.log.Error("transition failed", "wu_id", wu.ID, "error", err)
			continue
		}
		report.TimedOut += s.TimedOut
		report.Created += s.Created
	}
	if report.Examined > 0 {
		t.log.Info("transition pass", "examined", report.Examined, "timed_out", report.TimedOut, "created", report.Created, "failed", report.Failed)
	}
	return report, nil
}

// counts holds the result tallies of one workunit.
type counts struct {
	unsent      int
	inProgress  int
	success     int
	errors      int
	couldntSend int
	unvalidated bool
}

func tally(results []types.Result) counts {
	var c counts
	for i := range results {
		r := &results[i]
		switch r.ServerState {
		case types.ServerStateUnsent:
			c.unsent++
		case types.ServerStateInProgress:
			c.inProgress++
		case types.ServerStateOver:
			switch r.Outcome {
			case types.OutcomeSuccess:
				if r.ValidateState != types.ValidateInvalid {
					c.success++
				}
				if r.ValidateState == types.ValidateInit {
					c.unvalidated = true
				}
			case types.OutcomeClientError, types.OutcomeNoReply, types.OutcomeValidateError:
				c.errors++
			case types.OutcomeCouldntSend:
				c.couldntSend++
			}
		}
	}
	return c
}

// HandleWorkunit examines one workunit and writes whatever changed.
func (t *Transitioner) HandleWorkunit(ctx context.Context, wu types.Workunit) (Summary, error) {
	var sum Summary
	now := t.now().Unix()

	orig, err := t.store.ResultsForWorkunit(ctx, wu.ID)
	if err != nil {
		return sum, err
	}
	results := append([]types.Result(nil), orig...)
	next := wu

	// Overdue results.
	for i := range results {
		r := &results[i]
		if r.ServerState == types.ServerStateInProgress && r.ReportDeadline <= now {
			r.ServerState = types.ServerStateOver
			r.Outcome = types.OutcomeNoReply
			sum.TimedOut++
			logging.Trace(t.log, "result timed out", "wu_id", wu.ID, "result_id", r.ID)
		}
	}

	c := tally(results)

	if c.unvalidated && (wu.HasCanonical() || c.success >= wu.MinQuorum) {
		next.NeedValidate = true
	}

	if c.couldntSend > 0 {
		next.ErrorMask |= types.ErrorCouldntSend
	}
	if c.errors > wu.MaxErrorResults {
		next.ErrorMask |= types.ErrorTooManyErrorResults
	}
	if !wu.HasCanonical() && c.success > wu.MaxSuccessResults {
		next.ErrorMask |= types.ErrorTooManySuccessResults
	}

	deficit := 0
	if next.ErrorMask == 0 && !wu.HasCanonical() {
		deficit = wu.TargetNResults - (c.unsent + c.inProgress + c.success)
		if deficit > 0 && len(results)+deficit > wu.MaxTotalResults {
			next.ErrorMask |= types.ErrorTooManyTotalResults
			deficit = 0
		}
	}

	switch {
	case next.ErrorMask != 0:
		for i := range results {
			r := &results[i]
			if r.ServerState == types.ServerStateUnsent {
				r.ServerState = types.ServerStateOver
				r.Outcome = types.OutcomeDidntNeed
			}
			if r.ServerState == types.ServerStateOver && r.ValidateState == types.ValidateInit {
				r.ValidateState = types.ValidateNoCheck
			}
		}
		next.NeedValidate = false
		if next.AssimilateState == types.PhaseInit {
			next.AssimilateState = types.PhaseReady
		}
		if wu.ErrorMask == 0 {
			t.log.Warn("workunit errored", "wu_id", wu.ID, "error_mask", next.ErrorMask)
		}
	case wu.HasCanonical():
		for i := range results {
			r := &results[i]
			if r.ServerState == types.ServerStateUnsent {
				r.ServerState = types.ServerStateOver
				r.Outcome = types.OutcomeDidntNeed
			}
		}
		if next.AssimilateState == types.PhaseInit {
			next.AssimilateState = types.PhaseReady
		}
	}

	fileDeletion(&next, results)
	next.TransitionTime = nextTransition(results)

	var created []types.Result
	first := firstReplicaNumber(wu.Name, results)
	for i := 0; i < deficit; i++ {
		created = append(created, types.Result{
			WorkunitID:  wu.ID,
			AppID:       wu.AppID,
			Name:        fmt.Sprintf("%s_%d", wu.Name, first+i),
			ServerState: types.ServerStateUnsent,
			Priority:    wu.Priority,
			RandomOrder: t.rng.Int63(),
		})
	}

	changed, err := t.write(ctx, wu, next, orig, results, created)
	if err != nil {
		return sum, err
	}
	sum.Created = len(created)
	sum.Changed = changed
	return sum, nil
}

// firstReplicaNumber is the suffix for the next result named <wu>_<n>. It is
// past both the result count and every numeric suffix already in use.
func firstReplicaNumber(wuName string, results []types.Result) int {
	next := len(results)
	prefix := wuName + "_"
	for i := range results {
		suffix, ok := strings.CutPrefix(results[i].Name, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// fileDeletion flags files that are no longer needed.
func fileDeletion(wu *types.Workunit, results []types.Result) {
	for i := range results {
		r := &results[i]
		if r.FileDeleteState != types.PhaseInit || r.ServerState != types.ServerStateOver {
			continue
		}
		if r.Outcome == types.OutcomeClientError {
			r.FileDeleteState = types.PhaseReady
			continue
		}
		if wu.HasCanonical() && r.ID != wu.CanonicalResultID && r.Outcome == types.OutcomeSuccess &&
			(r.ValidateState == types.ValidateValid || r.ValidateState == types.ValidateInvalid) {
			r.FileDeleteState = types.PhaseReady
		}
	}

	if wu.AssimilateState != types.PhaseDone {
		return
	}
	for i := range results {
		r := &results[i]
		if r.ServerState != types.ServerStateOver {
			return
		}
		if r.Outcome == types.OutcomeSuccess && r.ValidateState == types.ValidateInit {
			return
		}
	}
	if wu.FileDeleteState == types.PhaseInit {
		wu.FileDeleteState = types.PhaseReady
	}
	for i := range results {
		r := &results[i]
		if r.FileDeleteState == types.PhaseInit && r.Outcome == types.OutcomeSuccess {
			r.FileDeleteState = types.PhaseReady
		}
	}
}

// nextTransition is the earliest deadline among results still in progress.
func nextTransition(results []types.Result) int64 {
	next := types.Never
	for i := range results {
		r := &results[i]
		if r.ServerState == types.ServerStateInProgress && r.ReportDeadline < next {
			next = r.ReportDeadline
		}
	}
	return next
}

func resultDiff(before, after *types.Result) store.Fields {
	f := store.Fields{}
	if before.ServerState != after.ServerState {
		f[store.ColServerState] = after.ServerState
	}
	if before.Outcome != after.Outcome {
		f[store.ColOutcome] = after.Outcome
	}
	if before.ValidateState != after.ValidateState {
		f[store.ColValidateState] = after.ValidateState
	}
	if before.FileDeleteState != after.FileDeleteState {
		f[store.ColFileDeleteState] = after.FileDeleteState
	}
	return f
}

func workunitDiff(before, after *types.Workunit) store.Fields {
	f := store.Fields{}
	if before.NeedValidate != after.NeedValidate {
		f[store.ColNeedValidate] = after.NeedValidate
	}
	if before.ErrorMask != after.ErrorMask {
		f[store.ColErrorMask] = after.ErrorMask
	}
	if before.AssimilateState != after.AssimilateState {
		f[store.ColAssimilateState] = after.AssimilateState
	}
	if before.FileDeleteState != after.FileDeleteState {
		f[store.ColFileDeleteState] = after.FileDeleteState
	}
	if before.TransitionTime != after.TransitionTime {
		f[store.ColTransitionTime] = after.TransitionTime
	}
	return f
}

func (t *Transitioner) write(ctx context.Context, before, after types.Workunit, orig, results, created []types.Result) (bool, error) {
	type update struct {
		id     int64
		fields store.Fields
	}
	var updates []update
	for i := range results {
		if f := resultDiff(&orig[i], &results[i]); len(f) > 0 {
			updates = append(updates, update{results[i].ID, f})
		}
	}
	wuFields := workunitDiff(&before, &after)
	if len(updates) == 0 && len(wuFields) == 0 && len(created) == 0 {
		return false, nil
	}

	err := t.store.InTx(ctx, func(ctx context.Context) error {
		for _, u := range updates {
			if err := t.store.UpdateResult(ctx, u.id, u.fields); err != nil {
				return fmt.Errorf("update result %d: %w", u.id, err)
			}
		}
		for _, r := range created {
			id, err := t.store.InsertResult(ctx, r)
			if err != nil {
				return fmt.Errorf("insert replacement result: %w", err)
			}
			logging.Trace(t.log, "created result", "wu_id", before.ID, "result_id", id, "name", r.Name)
		}
		if len(wuFields) > 0 {
			if err := t.store.UpdateWorkunit(ctx, before.ID, wuFields); err != nil {
				return fmt.Errorf("update workunit: %w", err)
			}
		}
		return nil
	})
	return err == nil, err
}
