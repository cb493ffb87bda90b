// ============================================================================
// gridd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// Purpose: cobra front end for the gridwork daemons and admin tools
//
// Command Structure:
//   gridd                          # Root command
//   ├── feeder                     # Fill the work cache, serve slots over gRPC
//   ├── transitioner               # Advance workunit state
//   ├── validator                  # Resolve consensus, grant credit
//   ├── assimilator                # Hand finished workunits to the handler
//   ├── census                     # Write the HR info file from host RAC
//   ├── create-wu                  # Insert workunits
//   └── status                     # Print queue depths and cache slot counts
//
// Persistent flags:
//   -c, --config          config file (default gridd.yaml, optional)
//   -d, --debug_level     1=critical/warn 2=info 3=debug 4=trace
//   --one_pass            run one pass and exit
//   --mod N,I             only handle ids with id % N == I
//   --sleep_interval      idle sleep between passes
//
// Daemon control:
//   The stop file (daemon.stop_file) ends every daemon at the start of its
//   next pass and is left in place. The reread file (daemon.reread_file) is
//   deleted when seen; the feeder reloads the HR info file.
//
// Exit status:
//   0 on normal exit (signal, stop file, one pass)
//   1 on configuration errors, store failures and panics
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/gridwork/internal/config"
	"github.com/ChuLiYu/gridwork/internal/daemon"
	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/internal/metrics"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "gridd.yaml"

var ErrBadMod = errors.New("--mod wants N,I with 0 <= I < N")

// options holds the persistent flags.
type options struct {
	configFile    string
	debugLevel    int
	onePass       bool
	mod           string
	sleepInterval time.Duration
}

// env is what every subcommand needs after startup.
type env struct {
	cfg     *config.Config
	log     *slog.Logger
	store   store.Store
	shard   store.Shard
	reg     *prometheus.Registry
	metrics *metrics.Collector
	out     io.Writer
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		e.log.Warn("close store", "error", err)
	}
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "gridd",
		Short: "gridd: server-side daemons for a volunteer computing project",
		Long: `gridd runs the back end of a volunteer computing project:
- feeder: keeps a cache of dispatchable results for the scheduler
- transitioner: timeouts, replicas and error limits per workunit
- validator: picks the canonical result by replicated agreement
- assimilator: hands finished workunits to the project`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")
	pf.IntVarP(&opts.debugLevel, "debug_level", "d", 0, "log level 1-4 (0 uses the config file)")
	pf.BoolVar(&opts.onePass, "one_pass", false, "run one pass and exit")
	pf.StringVar(&opts.mod, "mod", "", "handle only ids with id % N == I, given as N,I")
	pf.DurationVar(&opts.sleepInterval, "sleep_interval", 0, "idle sleep between passes (0 uses the config file)")

	rootCmd.AddCommand(buildFeederCommand(opts))
	rootCmd.AddCommand(buildTransitionerCommand(opts))
	rootCmd.AddCommand(buildValidatorCommand(opts))
	rootCmd.AddCommand(buildAssimilatorCommand(opts))
	rootCmd.AddCommand(buildCensusCommand(opts))
	rootCmd.AddCommand(buildCreateWUCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// parseMod turns "N,I" into a shard. An empty string selects every id.
func parseMod(s string) (store.Shard, error) {
	if s == "" {
		return store.Shard{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return store.Shard{}, fmt.Errorf("%w: %q", ErrBadMod, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return store.Shard{}, fmt.Errorf("%w: %q", ErrBadMod, s)
	}
	i, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return store.Shard{}, fmt.Errorf("%w: %q", ErrBadMod, s)
	}
	if n < 1 || i < 0 || i >= n {
		return store.Shard{}, fmt.Errorf("%w: %q", ErrBadMod, s)
	}
	return store.Shard{N: n, I: i}, nil
}

// loadConfig reads the config file and applies flag overrides. The file is
// only required when --config was given explicitly.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(opts.configFile, required)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.debugLevel != 0 {
		cfg.Daemon.DebugLevel = opts.debugLevel
	}
	if opts.sleepInterval != 0 {
		cfg.Daemon.SleepInterval = opts.sleepInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads config, installs the logger and opens the store.
func setup(cmd *cobra.Command, opts *options) (*env, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	shard, err := parseMod(opts.mod)
	if err != nil {
		return nil, err
	}
	log, err := logging.Setup(cmd.ErrOrStderr(), cfg.Daemon.DebugLevel, cfg.Daemon.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	db, err := store.InitDB(cfg.DB, log)
	if err != nil {
		return nil, err
	}
	st := store.NewGormStore(db)
	if err := st.Migrate(cmd.Context()); err != nil {
		st.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	return &env{
		cfg:     cfg,
		log:     log,
		store:   st,
		shard:   shard,
		reg:     reg,
		metrics: metrics.NewCollector(reg),
		out:     cmd.OutOrStdout(),
	}, nil
}

// runDaemon runs pass under the daemon runner until a stop condition.
func runDaemon(ctx context.Context, e *env, opts *options, name string, onReread func(context.Context) error, pass daemon.PassFunc) error {
	if e.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, e.cfg.Metrics.Port, e.reg); err != nil {
				e.log.Warn("metrics server stopped", "error", err)
			}
		}()
		e.log.Info("metrics endpoint enabled", "port", e.cfg.Metrics.Port)
	}

	r := daemon.NewRunner(daemon.Options{
		Name:          name,
		SleepInterval: e.cfg.Daemon.SleepInterval,
		OnePass:       opts.onePass,
		StopFile:      e.cfg.Daemon.StopFile,
		RereadFile:    e.cfg.Daemon.RereadFile,
		OnReread:      onReread,
		Metrics:       e.metrics,
	}, e.log)
	return r.Run(ctx, pass)
}

// appID resolves an app name to its id. An empty name means every app.
func appID(ctx context.Context, st store.Store, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}
	app, err := findApp(ctx, st, name)
	if err != nil {
		return 0, err
	}
	if app == nil {
		return 0, fmt.Errorf("%w: app %q", store.ErrRecordNotFound, name)
	}
	return app.ID, nil
}

func findApp(ctx context.Context, st store.Store, name string) (*types.App, error) {
	apps, err := st.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	for i := range apps {
		if apps[i].Name == name {
			return &apps[i], nil
		}
	}
	return nil, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := BuildCLI()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "gridd: %v\n", err)
		return 1
	}
	return 0
}
