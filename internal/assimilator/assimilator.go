// Package assimilator hands finished workunits to the project's handler and
// marks them done so the transitioner can schedule file deletion.
package assimilator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

var ErrUnknownHandler = errors.New("unknown assimilate handler")

// Handler consumes one finished workunit. canonical is nil when the workunit
// ended with an error. Returning an error keeps the workunit READY.
type Handler interface {
	Assimilate(ctx context.Context, wu types.Workunit, canonical *types.Result) error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Assimilate(context.Context, types.Workunit, *types.Result) error { return nil }

// Log writes one line per workunit.
type Log struct {
	Logger *slog.Logger
}

func (h Log) Assimilate(ctx context.Context, wu types.Workunit, canonical *types.Result) error {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	if canonical == nil {
		log.InfoContext(ctx, "workunit failed", "wu_id", wu.ID, "name", wu.Name, "error_mask", wu.ErrorMask)
		return nil
	}
	log.InfoContext(ctx, "workunit done", "wu_id", wu.ID, "name", wu.Name,
		"result_id", canonical.ID, "output_hash", canonical.OutputHash, "credit", wu.CanonicalCredit)
	return nil
}

var handlers = map[string]func(*slog.Logger) Handler{
	"noop": func(*slog.Logger) Handler { return Noop{} },
	"log":  func(l *slog.Logger) Handler { return Log{Logger: l} },
}

// NewHandler returns the handler registered under name.
func NewHandler(name string, log *slog.Logger) (Handler, error) {
	mk, ok := handlers[name]
	if !ok {
		names := make([]string, 0, len(handlers))
		for n := range handlers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w %q (known: %v)", ErrUnknownHandler, name, names)
	}
	return mk(log), nil
}

type Config struct {
	AppID     int64
	BatchSize int
	Shard     store.Shard
}

// PassReport summarizes one pass.
type PassReport struct {
	Examined    int
	Assimilated int
	Failed      int
}

type Assimilator struct {
	store   store.Store
	handler Handler
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

func New(st store.Store, h Handler, cfg Config, log *slog.Logger) *Assimilator {
	if log == nil {
		log = slog.Default()
	}
	return &Assimilator{
		store:   st,
		handler: h,
		cfg:     cfg,
		log:     log.With("component", "assimilator"),
		now:     time.Now,
	}
}

func (a *Assimilator) Pass(ctx context.Context) (PassReport, error) {
	var report PassReport
	wus, err := a.store.EnumerateAssimilate(ctx, store.WorkunitQuery{
		AppID: a.cfg.AppID,
		Shard: a.cfg.Shard,
		Limit: a.cfg.BatchSize,
	})
	if err != nil {
		return report, fmt.Errorf("enumerate assimilate: %w", err)
	}
	for _, wu := range wus {
		report.Examined++
		if err := a.HandleWorkunit(ctx, wu); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return report, err
			}
			report.Failed++
			continue
		}
		report.Assimilated++
	}
	if report.Examined > 0 {
		a.log.Info("assimilation pass", "examined", report.Examined, "assimilated", report.Assimilated, "failed", report.Failed)
	}
	return report, nil
}

func (a *Assimilator) HandleWorkunit(ctx context.Context, wu types.Workunit) error {
	var canonical *types.Result
	if wu.HasCanonical() && wu.ErrorMask == 0 {
		r, err := a.store.GetResult(ctx, wu.CanonicalResultID)
		if errors.Is(err, store.ErrRecordNotFound) {
			logging.Critical(a.log, "canonical result missing", "wu_id", wu.ID, "result_id", wu.CanonicalResultID)
			return err
		}
		if err != nil {
			return err
		}
		canonical = r
	}

	if err := a.handler.Assimilate(ctx, wu, canonical); err != nil {
		a.log.Warn("assimilate handler failed", "wu_id", wu.ID, "error", err)
		return err
	}
	return a.store.UpdateWorkunit(ctx, wu.ID, store.Fields{
		store.ColAssimilateState: types.PhaseDone,
		store.ColTransitionTime:  a.now().Unix(),
	})
}
