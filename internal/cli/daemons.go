package cli

import (
	"context"
	"fmt"
	"net"

	"github.com/ChuLiYu/gridwork/internal/assimilator"
	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/config"
	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/lease"
	"github.com/ChuLiYu/gridwork/internal/metrics"
	"github.com/ChuLiYu/gridwork/internal/server"
	"github.com/ChuLiYu/gridwork/internal/transitioner"
	"github.com/ChuLiYu/gridwork/internal/validator"
	"github.com/spf13/cobra"
)

func buildFeederCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "feeder",
		Short: "Fill the shared work cache and serve it to dispatchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()
			return runFeeder(cmd.Context(), e, opts)
		},
	}
}

func openLeases(ctx context.Context, cfg config.LeaseConfig) (lease.Registry, func(), error) {
	switch cfg.Backend {
	case "redis":
		r, err := lease.DialRedis(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	default:
		return lease.NewMemoryRegistry(nil), func() {}, nil
	}
}

func runFeeder(ctx context.Context, e *env, opts *options) error {
	fc := e.cfg.Feeder
	leases, closeLeases, err := openLeases(ctx, e.cfg.Lease)
	if err != nil {
		return fmt.Errorf("open lease registry: %w", err)
	}
	defer closeLeases()

	c := cache.NewSharedCache(fc.CacheSize, leases, e.cfg.Lease.TTL)

	var cp *cache.CheckpointManager
	if fc.CheckpointFile != "" {
		cp = cache.NewCheckpointManager(fc.CheckpointFile)
		n, err := cp.Restore(c)
		if err != nil {
			// A bad checkpoint only costs a cold cache.
			e.log.Warn("checkpoint not restored", "path", fc.CheckpointFile, "error", err)
		} else {
			e.log.Info("checkpoint restored", "path", fc.CheckpointFile, "slots", n)
		}
	}

	f := cache.NewFeeder(c, e.store, hr.NewAllocator(e.log), cache.FeederConfig{
		EnumLimit:     fc.EnumLimit,
		PurgeStaleAge: fc.PurgeStaleAge,
		Interleave:    fc.Interleave,
		Shard:         e.shard,
		HRInfoFile:    fc.HRInfoFile,
	}, e.log)
	if err := f.Init(ctx); err != nil {
		return fmt.Errorf("feeder init: %w", err)
	}

	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if fc.ListenAddr != "" && !opts.onePass {
		lis, err := net.Listen("tcp", fc.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", fc.ListenAddr, err)
		}
		srv := server.NewSlotServer(c, e.log)
		go func() {
			if err := srv.Serve(srvCtx, lis); err != nil {
				e.log.Error("slot server failed", "error", err)
			}
		}()
	}

	err = runDaemon(ctx, e, opts, "feeder", f.Reread, func(ctx context.Context) (bool, error) {
		rep, err := f.Scan(ctx)
		e.metrics.RecordScan(metrics.ScanEvents{
			Filled:     rep.Filled,
			Collisions: rep.Collisions,
			Skipped:    rep.Skipped,
			Rejected:   rep.Rejected,
			Purged:     rep.Purged,
			Reclaimed:  rep.Reclaimed,
		})
		e.metrics.SetSlots(c.Counts())
		if err != nil {
			return false, err
		}
		return rep.Filled+rep.Purged+rep.Reclaimed > 0, nil
	})

	if cp != nil {
		n, saveErr := cp.Save(c)
		if saveErr != nil {
			e.log.Warn("checkpoint not saved", "path", cp.Path(), "error", saveErr)
		} else {
			e.log.Info("checkpoint saved", "path", cp.Path(), "slots", n)
		}
	}
	return err
}

func buildTransitionerCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transitioner",
		Short: "Advance workunits: timeouts, replicas, error limits and file deletion",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			t := transitioner.New(e.store, transitioner.Config{
				BatchSize: e.cfg.Transitioner.BatchSize,
				Shard:     e.shard,
			}, e.log)
			return runDaemon(cmd.Context(), e, opts, "transitioner", nil, func(ctx context.Context) (bool, error) {
				rep, err := t.Pass(ctx)
				e.metrics.RecordTransitions(rep.Examined, rep.TimedOut, rep.Created, rep.Failed)
				if err != nil {
					return false, err
				}
				return rep.Examined > 0, nil
			})
		},
	}
}

func buildValidatorCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validator",
		Short: "Compare replicated results, choose canonical results and grant credit",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			vc := e.cfg.Validator
			cmp, err := validator.NewComparator(vc.Comparator)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			var policy validator.QuorumPolicy = validator.CountAll{}
			if vc.CreditCeiling > 0 {
				policy = validator.CreditCeiling{Max: vc.CreditCeiling}
			}
			id, err := appID(cmd.Context(), e.store, vc.App)
			if err != nil {
				return err
			}

			v := validator.New(e.store, cmp, policy, validator.Config{
				AppID:         id,
				BatchSize:     vc.BatchSize,
				Shard:         e.shard,
				MaxJobsPerDay: vc.MaxJobsPerDay,
			}, e.log)
			return runDaemon(cmd.Context(), e, opts, "validator", nil, func(ctx context.Context) (bool, error) {
				rep, err := v.Pass(ctx)
				e.metrics.RecordValidations("validated", rep.Validated)
				e.metrics.RecordValidations("inconclusive", rep.Inconclusive)
				e.metrics.RecordValidations("retried", rep.Retried)
				e.metrics.RecordValidations("failed", rep.Failed)
				if err != nil {
					return false, err
				}
				// Retried rows come back every pass; only real progress skips the sleep.
				return rep.Examined > rep.Retried, nil
			})
		},
	}
}

func buildAssimilatorCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "assimilator",
		Short: "Hand finished workunits to the assimilate handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			ac := e.cfg.Assimilator
			h, err := assimilator.NewHandler(ac.Handler, e.log)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrInvalid, err)
			}
			id, err := appID(cmd.Context(), e.store, ac.App)
			if err != nil {
				return err
			}

			a := assimilator.New(e.store, h, assimilator.Config{
				AppID:     id,
				BatchSize: ac.BatchSize,
				Shard:     e.shard,
			}, e.log)
			return runDaemon(cmd.Context(), e, opts, "assimilator", nil, func(ctx context.Context) (bool, error) {
				rep, err := a.Pass(ctx)
				e.metrics.RecordAssimilated(rep.Assimilated)
				if err != nil {
					return false, err
				}
				return rep.Assimilated > 0, nil
			})
		},
	}
}
