// Package daemon runs a component's pass in a poll loop: stop and reread
// sentinel files are checked once per pass, and the loop idles with a
// jittered sleep when a pass found nothing to do.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/metrics"
	"github.com/lthibault/jitterbug/v2"
)

var ErrPanic = errors.New("pass panicked")

// PassFunc does one unit of work. didWork false makes the runner sleep
// before the next pass.
type PassFunc func(ctx context.Context) (didWork bool, err error)

type Options struct {
	Name          string
	SleepInterval time.Duration
	OnePass       bool
	StopFile      string
	RereadFile    string
	// OnReread runs when RereadFile appears. The file is removed first.
	OnReread func(ctx context.Context) error
	Metrics  *metrics.Collector
}

type Runner struct {
	opts   Options
	log    *slog.Logger
	idle   func(ctx context.Context, d time.Duration) error
	passes int
}

func NewRunner(opts Options, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if opts.SleepInterval <= 0 {
		opts.SleepInterval = 5 * time.Second
	}
	return &Runner{
		opts: opts,
		log:  log.With("component", "daemon", "daemon", opts.Name),
		idle: jitterSleep,
	}
}

// Passes returns how many passes have run.
func (r *Runner) Passes() int {
	return r.passes
}

// Run loops until ctx is cancelled, the stop file appears, or a pass fails.
// Only a pass error is returned; stopping is not an error.
func (r *Runner) Run(ctx context.Context, pass PassFunc) error {
	r.log.Info("daemon starting", "sleep_interval", r.opts.SleepInterval, "one_pass", r.opts.OnePass)
	for {
		if ctx.Err() != nil {
			r.log.Info("daemon stopping", "reason", ctx.Err())
			return nil
		}
		if exists(r.opts.StopFile) {
			r.log.Info("stop trigger found", "file", r.opts.StopFile)
			return nil
		}
		if r.opts.OnReread != nil && exists(r.opts.RereadFile) {
			if err := os.Remove(r.opts.RereadFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.log.Warn("remove reread trigger", "file", r.opts.RereadFile, "error", err)
			}
			r.log.Info("reread trigger found", "file", r.opts.RereadFile)
			if err := r.opts.OnReread(ctx); err != nil {
				return fmt.Errorf("reread: %w", err)
			}
		}

		start := time.Now()
		didWork, err := r.safePass(ctx, pass)
		r.passes++
		if r.opts.Metrics != nil {
			r.opts.Metrics.ObservePass(r.opts.Name, time.Since(start))
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			logging.Critical(r.log, "pass failed", "error", err)
			return err
		}
		if r.opts.OnePass {
			return nil
		}
		if !didWork {
			logging.Trace(r.log, "idle", "sleep", r.opts.SleepInterval)
			if err := r.idle(ctx, r.opts.SleepInterval); err != nil {
				return nil
			}
		}
	}
}

func (r *Runner) safePass(ctx context.Context, pass PassFunc) (didWork bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.Critical(r.log, "pass panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return pass(ctx)
}

func jitterSleep(ctx context.Context, d time.Duration) error {
	t := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10, Mean: 0})
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
