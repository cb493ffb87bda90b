// ============================================================================
// gridwork metrics - Prometheus instrumentation for the daemons
// ============================================================================
//
// Package: internal/metrics
//
// Counters (cumulative):
//   - gridwork_feeder_scan_events_total{event}: filled, collision, skipped,
//     rejected, purged, reclaimed
//   - gridwork_transitions_total{event}: examined, timed_out, created, failed
//   - gridwork_validations_total{status}: validated, inconclusive, retried, failed
//   - gridwork_assimilated_total
//   - gridwork_dispatched_total
//
// Histograms:
//   - gridwork_pass_duration_seconds{daemon}
//
// Gauges:
//   - gridwork_cache_slots{state}: empty, present, reserved
//
// Example queries:
//
//   # cache starvation
//   gridwork_cache_slots{state="present"} == 0
//
//   # replicas issued per minute
//   rate(gridwork_transitions_total{event="created"}[1m])
//
// Served on /metrics when metrics.enabled is set.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every gridwork metric.
type Collector struct {
	scanEvents   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	validations  *prometheus.CounterVec
	assimilated  prometheus.Counter
	dispatched   prometheus.Counter
	passDuration *prometheus.HistogramVec
	slots        *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		scanEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridwork_feeder_scan_events_total",
			Help: "Slot events seen by feeder scans",
		}, []string{"event"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridwork_transitions_total",
			Help: "Workunit transition events",
		}, []string{"event"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridwork_validations_total",
			Help: "Validator outcomes per workunit",
		}, []string{"status"}),
		assimilated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridwork_assimilated_total",
			Help: "Workunits handed to the assimilate handler",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridwork_dispatched_total",
			Help: "Results sent to hosts",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridwork_pass_duration_seconds",
			Help:    "Duration of one daemon pass",
			Buckets: prometheus.DefBuckets,
		}, []string{"daemon"}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridwork_cache_slots",
			Help: "Cache slots by state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.scanEvents,
		c.transitions,
		c.validations,
		c.assimilated,
		c.dispatched,
		c.passDuration,
		c.slots,
	)
	return c
}

// ScanEvents is one feeder scan's tallies.
type ScanEvents struct {
	Filled, Collisions, Skipped, Rejected, Purged, Reclaimed int
}

func (c *Collector) RecordScan(e ScanEvents) {
	c.scanEvents.WithLabelValues("filled").Add(float64(e.Filled))
	c.scanEvents.WithLabelValues("collision").Add(float64(e.Collisions))
	c.scanEvents.WithLabelValues("skipped").Add(float64(e.Skipped))
	c.scanEvents.WithLabelValues("rejected").Add(float64(e.Rejected))
	c.scanEvents.WithLabelValues("purged").Add(float64(e.Purged))
	c.scanEvents.WithLabelValues("reclaimed").Add(float64(e.Reclaimed))
}

func (c *Collector) SetSlots(empty, present, reserved int) {
	c.slots.WithLabelValues("empty").Set(float64(empty))
	c.slots.WithLabelValues("present").Set(float64(present))
	c.slots.WithLabelValues("reserved").Set(float64(reserved))
}

func (c *Collector) RecordTransitions(examined, timedOut, created, failed int) {
	c.transitions.WithLabelValues("examined").Add(float64(examined))
	c.transitions.WithLabelValues("timed_out").Add(float64(timedOut))
	c.transitions.WithLabelValues("created").Add(float64(created))
	c.transitions.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) RecordValidations(status string, n int) {
	c.validations.WithLabelValues(status).Add(float64(n))
}

func (c *Collector) RecordAssimilated(n int) {
	c.assimilated.Add(float64(n))
}

func (c *Collector) RecordDispatch() {
	c.dispatched.Inc()
}

func (c *Collector) ObservePass(daemon string, d time.Duration) {
	c.passDuration.WithLabelValues(daemon).Observe(d.Seconds())
}

// StartServer serves /metrics from g on port until ctx is done.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
