package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/gridwork/internal/dispatch"
	"github.com/ChuLiYu/gridwork/internal/hr"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func buildCensusCommand(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "census",
		Short: "Sum host RAC per HR class and write the HR info file",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			path := file
			if path == "" {
				path = e.cfg.Feeder.HRInfoFile
			}
			if path == "" {
				return errors.New("no HR info file: set feeder.hr_info_file or use --file")
			}

			alloc := hr.NewAllocator(e.log)
			if err := alloc.ScanDB(cmd.Context(), e.store); err != nil {
				return fmt.Errorf("census: %w", err)
			}
			if err := alloc.WriteFile(path); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "HR info written to %s\n", path)
			for t := 1; t < hr.NumTypes; t++ {
				for c, s := range alloc.Stats(t) {
					if c == 0 || s.RAC == 0 {
						continue
					}
					fmt.Fprintf(e.out, "  %-8s class %-3d rac %.2f\n", hr.TypeName(t), c, s.RAC)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "HR info file (default feeder.hr_info_file)")
	return cmd
}

// wuTemplate is the create-wu flag set.
type wuTemplate struct {
	app        string
	name       string
	count      int
	minQuorum  int
	target     int
	maxError   int
	maxTotal   int
	maxSuccess int
	delayBound time.Duration
	fpops      float64
	priority   int
	weight     float64
	hrType     int
}

func (w wuTemplate) validate() error {
	switch {
	case w.app == "":
		return errors.New("--app is required")
	case w.count < 1:
		return errors.New("--count must be at least 1")
	case w.minQuorum < 1:
		return errors.New("--min_quorum must be at least 1")
	case w.target < w.minQuorum:
		return errors.New("--target_nresults must be at least --min_quorum")
	case w.maxTotal < w.target:
		return errors.New("--max_total_results must be at least --target_nresults")
	case w.delayBound <= 0:
		return errors.New("--delay_bound must be positive")
	case w.hrType < 0 || w.hrType >= hr.NumTypes:
		return fmt.Errorf("--hr_type must be 0-%d", hr.NumTypes-1)
	}
	return nil
}

func buildCreateWUCommand(opts *options) *cobra.Command {
	var w wuTemplate

	cmd := &cobra.Command{
		Use:   "create-wu",
		Short: "Insert workunits; the transitioner creates their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := w.validate(); err != nil {
				return err
			}
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()

			ids, err := createWorkunits(cmd.Context(), e, w)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintf(e.out, "created workunit %d\n", id)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&w.app, "app", "", "app name (created when missing)")
	f.StringVar(&w.name, "name", "", "workunit name, suffixed _N when --count > 1 (default random)")
	f.IntVar(&w.count, "count", 1, "number of workunits")
	f.IntVar(&w.minQuorum, "min_quorum", 2, "agreeing results needed for a canonical result")
	f.IntVar(&w.target, "target_nresults", 2, "results to create initially")
	f.IntVar(&w.maxError, "max_error_results", 3, "error results before giving up")
	f.IntVar(&w.maxTotal, "max_total_results", 8, "results ever created")
	f.IntVar(&w.maxSuccess, "max_success_results", 6, "success results without consensus before giving up")
	f.DurationVar(&w.delayBound, "delay_bound", 24*time.Hour, "time a host gets to report")
	f.Float64Var(&w.fpops, "rsc_fpops_est", 1e12, "estimated cost in floating point operations")
	f.IntVar(&w.priority, "priority", 0, "dispatch priority")
	f.Float64Var(&w.weight, "app_weight", 1, "weight of a newly created app")
	f.IntVar(&w.hrType, "hr_type", 0, "HR type of a newly created app (0 none, 1 os, 2 os_cpu)")
	return cmd
}

func createWorkunits(ctx context.Context, e *env, w wuTemplate) ([]int64, error) {
	app, err := findApp(ctx, e.store, w.app)
	if err != nil {
		return nil, err
	}
	if app == nil {
		a := types.App{Name: w.app, Weight: w.weight, HRType: w.hrType}
		id, err := e.store.InsertApp(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("create app %q: %w", w.app, err)
		}
		a.ID = id
		app = &a
		e.log.Info("app created", "app", a.Name, "app_id", id, "hr_type", a.HRType)
	}

	base := w.name
	if base == "" {
		base = "wu-" + uuid.New().String()[:8]
	}
	now := time.Now().Unix()

	ids := make([]int64, 0, w.count)
	for i := 0; i < w.count; i++ {
		name := base
		if w.count > 1 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		id, err := e.store.InsertWorkunit(ctx, types.Workunit{
			AppID:             app.ID,
			Name:              name,
			MinQuorum:         w.minQuorum,
			TargetNResults:    w.target,
			MaxErrorResults:   w.maxError,
			MaxTotalResults:   w.maxTotal,
			MaxSuccessResults: w.maxSuccess,
			Priority:          w.priority,
			DelayBound:        int64(w.delayBound / time.Second),
			RscFpopsEst:       w.fpops,
			CreateTime:        now,
			TransitionTime:    now,
		})
		if err != nil {
			return ids, fmt.Errorf("create workunit %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	e.log.Info("workunits created", "app", app.Name, "count", len(ids))
	return ids, nil
}

func buildStatusCommand(opts *options) *cobra.Command {
	var feederAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show apps, queue depths and cache slot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer e.close()
			ctx := cmd.Context()

			if err := printQueues(ctx, e); err != nil {
				return err
			}
			if feederAddr == "" {
				return nil
			}
			return printSlots(ctx, e, feederAddr)
		},
	}

	cmd.Flags().StringVar(&feederAddr, "feeder", "", "feeder slot service address (e.g. 127.0.0.1:50051)")
	return cmd
}

func printQueues(ctx context.Context, e *env) error {
	apps, err := e.store.ListApps(ctx)
	if err != nil {
		return err
	}
	hosts, err := e.store.ListHosts(ctx)
	if err != nil {
		return err
	}
	unsent, err := e.store.EnumerateUnsent(ctx, store.UnsentQuery{Shard: e.shard})
	if err != nil {
		return err
	}
	due, err := e.store.EnumerateTransitions(ctx, store.TransitionQuery{Now: time.Now().Unix(), Shard: e.shard})
	if err != nil {
		return err
	}
	validate, err := e.store.EnumerateNeedValidate(ctx, store.WorkunitQuery{Shard: e.shard})
	if err != nil {
		return err
	}
	assimilate, err := e.store.EnumerateAssimilate(ctx, store.WorkunitQuery{Shard: e.shard})
	if err != nil {
		return err
	}

	fmt.Fprintf(e.out, "=== gridwork status ===\n")
	fmt.Fprintf(e.out, "Database: %s %s\n", e.cfg.DB.Type, e.cfg.DB.Name)
	fmt.Fprintf(e.out, "Apps: %d\n", len(apps))
	for _, a := range apps {
		state := "enabled"
		if a.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(e.out, "  %-16s id %-4d weight %-6.2f hr_type %d %s\n", a.Name, a.ID, a.Weight, a.HRType, state)
	}
	fmt.Fprintf(e.out, "Hosts: %d\n", len(hosts))
	fmt.Fprintf(e.out, "Unsent results: %d\n", len(unsent))
	fmt.Fprintf(e.out, "Transitions due: %d\n", len(due))
	fmt.Fprintf(e.out, "Awaiting validation: %d\n", len(validate))
	fmt.Fprintf(e.out, "Ready to assimilate: %d\n", len(assimilate))
	return nil
}

func printSlots(ctx context.Context, e *env, addr string) error {
	slots, conn, err := dispatch.DialSlots(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	all, err := slots.Snapshot(callCtx)
	if err != nil {
		return fmt.Errorf("feeder snapshot: %w", err)
	}

	counts := map[types.SlotState]int{}
	for _, s := range all {
		counts[s.State]++
	}
	fmt.Fprintf(e.out, "Cache slots: %d (empty %d, present %d, reserved %d)\n",
		len(all), counts[types.SlotEmpty], counts[types.SlotPresent], counts[types.SlotReserved])
	return nil
}
