// Package sim runs the whole server pipeline in one process against the
// memory store, with simulated hosts computing and reporting results.
//
// One round is: transitioner pass, feeder scan, one dispatch and report per
// host, validator pass, assimilator pass. Honest hosts agree on each
// workunit's output; unreliable hosts return garbage that matches nothing.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ChuLiYu/gridwork/internal/assimilator"
	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/dispatch"
	"github.com/ChuLiYu/gridwork/internal/metrics"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/ChuLiYu/gridwork/internal/transitioner"
	"github.com/ChuLiYu/gridwork/internal/validator"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

const appVersionID = 1

var ErrNotFinished = errors.New("workunits still in flight")

type Config struct {
	Workunits int
	Hosts     int
	// Every UnreliableEvery-th host returns wrong output. Zero means none.
	UnreliableEvery int
	// Every ErrorEvery-th report from any host is a client error. Zero means none.
	ErrorEvery int
	MinQuorum  int
	CacheSize  int
	MaxRounds  int
	Seed       int64
}

// DefaultConfig is a small project with one bad host in four.
func DefaultConfig() Config {
	return Config{
		Workunits:       20,
		Hosts:           8,
		UnreliableEvery: 4,
		MinQuorum:       2,
		CacheSize:       16,
		MaxRounds:       50,
		Seed:            1,
	}
}

// Stats is the final state of the project.
type Stats struct {
	Rounds         int
	Dispatched     int
	Reported       int
	ClientErrors   int
	Canonical      int // workunits with a canonical result
	Errored        int // workunits given up on
	Assimilated    int
	FilesDeleted   int // workunits flagged for file deletion
	ValidResults   int
	InvalidResults int
	CreditGranted  float64
}

type host struct {
	types.Host
	unreliable bool
}

type Sim struct {
	cfg     Config
	store   *store.MemoryStore
	cache   *cache.SharedCache
	feeder  *cache.Feeder
	disp    *dispatch.Dispatcher
	trans   *transitioner.Transitioner
	val     *validator.Validator
	asm     *assimilator.Assimilator
	hosts   []host
	wuIDs   []int64
	metrics *metrics.Collector
	log     *slog.Logger
	rng     *rand.Rand
	stats   Stats
}

// New seeds a memory store with one app, the hosts and the workunits, and
// wires every daemon on top of it. m may be nil.
func New(ctx context.Context, cfg Config, m *metrics.Collector, log *slog.Logger) (*Sim, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workunits < 1 || cfg.Hosts < 1 || cfg.MinQuorum < 1 || cfg.CacheSize < 1 {
		return nil, fmt.Errorf("sim needs workunits, hosts, quorum and cache size >= 1")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 50
	}

	st := store.NewMemoryStore()
	app := types.App{Name: "sim", Weight: 1}
	id, err := st.InsertApp(ctx, app)
	if err != nil {
		return nil, err
	}
	app.ID = id

	s := &Sim{
		cfg:     cfg,
		store:   st,
		metrics: m,
		log:     log.With("component", "sim"),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}

	osNames := []string{"Linux", "Windows", "Darwin"}
	for i := 0; i < cfg.Hosts; i++ {
		h := types.Host{OSName: osNames[i%len(osNames)], PVendor: "GenuineIntel", ExpAvgCredit: float64(10 * (i + 1))}
		hid, err := st.InsertHost(ctx, h)
		if err != nil {
			return nil, err
		}
		h.ID = hid
		s.hosts = append(s.hosts, host{Host: h, unreliable: cfg.UnreliableEvery > 0 && (i+1)%cfg.UnreliableEvery == 0})
	}

	now := time.Now().Unix()
	for i := 0; i < cfg.Workunits; i++ {
		wid, err := st.InsertWorkunit(ctx, types.Workunit{
			AppID:             app.ID,
			Name:              fmt.Sprintf("sim_wu_%d", i),
			MinQuorum:         cfg.MinQuorum,
			TargetNResults:    cfg.MinQuorum,
			MaxErrorResults:   4,
			MaxTotalResults:   4 * cfg.MinQuorum,
			MaxSuccessResults: 3 * cfg.MinQuorum,
			DelayBound:        3600,
			RscFpopsEst:       float64(1+s.rng.Intn(10)) * 1e12,
			CreateTime:        now,
			TransitionTime:    now,
		})
		if err != nil {
			return nil, err
		}
		s.wuIDs = append(s.wuIDs, wid)
	}

	s.cache = cache.NewSharedCache(cfg.CacheSize, nil, time.Minute)
	s.feeder = cache.NewFeeder(s.cache, st, nil, cache.FeederConfig{EnumLimit: 2 * cfg.CacheSize}, log)
	if err := s.feeder.Init(ctx); err != nil {
		return nil, err
	}
	s.disp = dispatch.NewDispatcher(s.cache, st, []types.App{app}, log)
	s.trans = transitioner.New(st, transitioner.Config{}, log)
	s.val = validator.New(st, validator.Hash{}, validator.CountAll{}, validator.Config{AppID: app.ID}, log)
	s.asm = assimilator.New(st, assimilator.Noop{}, assimilator.Config{AppID: app.ID}, log)
	return s, nil
}

// Store exposes the backing store.
func (s *Sim) Store() *store.MemoryStore {
	return s.store
}

// Round runs every daemon once and lets each host take one job.
func (s *Sim) Round(ctx context.Context) error {
	s.stats.Rounds++

	trep, err := s.trans.Pass(ctx)
	if err != nil {
		return fmt.Errorf("transitioner: %w", err)
	}
	srep, err := s.feeder.Scan(ctx)
	if err != nil {
		return fmt.Errorf("feeder: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTransitions(trep.Examined, trep.TimedOut, trep.Created, trep.Failed)
		s.metrics.RecordScan(metrics.ScanEvents{
			Filled:     srep.Filled,
			Collisions: srep.Collisions,
			Skipped:    srep.Skipped,
			Rejected:   srep.Rejected,
			Purged:     srep.Purged,
			Reclaimed:  srep.Reclaimed,
		})
		s.metrics.SetSlots(s.cache.Counts())
	}

	for _, h := range s.hosts {
		r, err := s.disp.Dispatch(ctx, h.Host, appVersionID)
		if errors.Is(err, dispatch.ErrNoWork) {
			break
		}
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		s.stats.Dispatched++
		if s.metrics != nil {
			s.metrics.RecordDispatch()
		}
		if err := s.disp.Report(ctx, s.compute(h, r)); err != nil {
			return fmt.Errorf("report: %w", err)
		}
		s.stats.Reported++
	}

	vrep, err := s.val.Pass(ctx)
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	arep, err := s.asm.Pass(ctx)
	if err != nil {
		return fmt.Errorf("assimilator: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordValidations("validated", vrep.Validated)
		s.metrics.RecordValidations("inconclusive", vrep.Inconclusive)
		s.metrics.RecordAssimilated(arep.Assimilated)
	}
	return nil
}

// compute is the host side: what a host would send back for r.
func (s *Sim) compute(h host, r *types.Result) dispatch.ResultReport {
	rep := dispatch.ResultReport{
		ResultID:      r.ID,
		Outcome:       types.OutcomeSuccess,
		ClaimedCredit: 5 + s.rng.Float64()*10,
		ElapsedTime:   60 + s.rng.Float64()*60,
		OutputHash:    fmt.Sprintf("wu-%d-ok", r.WorkunitID),
	}
	if s.cfg.ErrorEvery > 0 && (s.stats.Reported+1)%s.cfg.ErrorEvery == 0 {
		rep.Outcome = types.OutcomeClientError
		rep.OutputHash = ""
		s.stats.ClientErrors++
		return rep
	}
	if h.unreliable {
		rep.OutputHash = fmt.Sprintf("garbage-%d", r.ID)
	}
	return rep
}

// Run plays rounds until every workunit is flagged for file deletion or
// MaxRounds is reached.
func (s *Sim) Run(ctx context.Context) (Stats, error) {
	for s.stats.Rounds < s.cfg.MaxRounds {
		if err := ctx.Err(); err != nil {
			return s.Stats(ctx)
		}
		if err := s.Round(ctx); err != nil {
			return s.stats, err
		}
		st, err := s.Stats(ctx)
		if err != nil {
			return st, err
		}
		if st.FilesDeleted == len(s.wuIDs) {
			s.log.Info("all workunits finished", "rounds", st.Rounds)
			return st, nil
		}
	}
	st, err := s.Stats(ctx)
	if err != nil {
		return st, err
	}
	return st, fmt.Errorf("%w after %d rounds: %d of %d done", ErrNotFinished, st.Rounds, st.FilesDeleted, len(s.wuIDs))
}

// Stats tallies the store.
func (s *Sim) Stats(ctx context.Context) (Stats, error) {
	out := s.stats
	out.Canonical, out.Errored, out.Assimilated, out.FilesDeleted = 0, 0, 0, 0
	out.ValidResults, out.InvalidResults, out.CreditGranted = 0, 0, 0

	for _, id := range s.wuIDs {
		wu, err := s.store.GetWorkunit(ctx, id)
		if err != nil {
			return out, err
		}
		if wu.HasCanonical() {
			out.Canonical++
		}
		if wu.ErrorMask != 0 {
			out.Errored++
		}
		if wu.AssimilateState == types.PhaseDone {
			out.Assimilated++
		}
		if wu.FileDeleteState != types.PhaseInit {
			out.FilesDeleted++
		}
		results, err := s.store.ResultsForWorkunit(ctx, id)
		if err != nil {
			return out, err
		}
		for _, r := range results {
			switch r.ValidateState {
			case types.ValidateValid:
				out.ValidResults++
				out.CreditGranted += r.GrantedCredit
			case types.ValidateInvalid:
				out.InvalidResults++
			}
		}
	}
	return out, nil
}
