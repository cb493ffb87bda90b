// Package hr implements homogeneous redundancy: hosts are grouped into
// platform classes, and the work cache reserves slot quotas per class so that
// replicas of a workunit committed to a class can still be found.
package hr

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/gridwork/internal/logging"
	"github.com/ChuLiYu/gridwork/pkg/types"
)

// HR types. Type 0 means the app does not use homogeneous redundancy.
const (
	TypeNone  = 0
	TypeOS    = 1
	TypeOSCPU = 2

	NumTypes = 3
)

var typeNames = [NumTypes]string{"none", "os", "os_cpu"}

var (
	osNames    = []string{"windows", "linux", "darwin", "android"}
	cpuVendors = []string{"intel", "amd", "arm"}
)

// TypeName returns the name used in the HR info file.
func TypeName(t int) string {
	if t < 0 || t >= NumTypes {
		return ""
	}
	return typeNames[t]
}

// NumClasses returns the number of classes of type t, including class 0.
func NumClasses(t int) int {
	switch t {
	case TypeOS:
		return len(osNames) + 1
	case TypeOSCPU:
		return len(osNames)*len(cpuVendors) + 1
	case TypeNone:
		return 1
	default:
		return 0
	}
}

// Classify returns the class of host under type t, or 0 if the host matches none.
func Classify(t int, host types.Host) int {
	osIdx := matchIndex(osNames, host.OSName)
	switch t {
	case TypeOS:
		if osIdx < 0 {
			return 0
		}
		return osIdx + 1
	case TypeOSCPU:
		cpuIdx := matchIndex(cpuVendors, host.PVendor)
		if osIdx < 0 || cpuIdx < 0 {
			return 0
		}
		return osIdx*len(cpuVendors) + cpuIdx + 1
	default:
		return 0
	}
}

func matchIndex(names []string, s string) int {
	s = strings.ToLower(s)
	for i, n := range names {
		if strings.Contains(s, n) {
			return i
		}
	}
	if strings.Contains(s, "mac os") || strings.Contains(s, "macos") {
		return indexOf(names, "darwin")
	}
	return -1
}

func indexOf(names []string, s string) int {
	for i, n := range names {
		if n == s {
			return i
		}
	}
	return -1
}

// ClassStats is the census and quota state of one (type, class).
type ClassStats struct {
	RAC      float64 `json:"rac"`
	RACShare float64 `json:"rac_share"`
	MaxSlots int     `json:"max_slots"`
	CurSlots int     `json:"cur_slots"`
}

// HostLister is the part of the store the census needs.
type HostLister interface {
	ListHosts(ctx context.Context) ([]types.Host, error)
}

// Allocator holds per-class RAC and slot quotas. It is owned by one feeder
// and is not safe for concurrent use.
type Allocator struct {
	stats [NumTypes][]ClassStats
	log   *slog.Logger
}

// NewAllocator returns an allocator with zero RAC everywhere.
func NewAllocator(log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	a := &Allocator{log: log.With("component", "hr")}
	for t := 0; t < NumTypes; t++ {
		a.stats[t] = make([]ClassStats, NumClasses(t))
	}
	return a
}

// ScanDB sums each host's RAC into every (type, class) bucket it matches.
// Hosts matching no class are ignored.
func (a *Allocator) ScanDB(ctx context.Context, hosts HostLister) error {
	list, err := hosts.ListHosts(ctx)
	if err != nil {
		return err
	}
	for t := 1; t < NumTypes; t++ {
		for c := range a.stats[t] {
			a.stats[t][c].RAC = 0
		}
	}
	for _, h := range list {
		for t := 1; t < NumTypes; t++ {
			c := Classify(t, h)
			if c == 0 {
				continue
			}
			a.stats[t][c].RAC += h.ExpAvgCredit
		}
	}
	a.log.Info("hr census complete", "hosts", len(list))
	return nil
}

// SetRAC overrides the RAC of one class.
func (a *Allocator) SetRAC(t, class int, rac float64) {
	if !a.inRange(t, class) {
		return
	}
	a.stats[t][class].RAC = rac
}

// RAC returns the recorded RAC of one class.
func (a *Allocator) RAC(t, class int) float64 {
	if !a.inRange(t, class) {
		return 0
	}
	return a.stats[t][class].RAC
}

// Stats returns a copy of the per-class state of type t.
func (a *Allocator) Stats(t int) []ClassStats {
	if t < 0 || t >= NumTypes {
		return nil
	}
	return append([]ClassStats(nil), a.stats[t]...)
}

// Allocate computes MaxSlots for every class. typeWeights[t] is the share of
// the cache given to HR type t; index 0 is ignored.
//
// Half of a type's slots go to class 0, which any class may use. The rest is
// split by RAC share with a floor of one slot per class with nonzero RAC, so
// the per-class maxima may add up to more than the type's budget.
func (a *Allocator) Allocate(totalSlots int, typeWeights []float64) {
	var sum float64
	for t := 1; t < NumTypes && t < len(typeWeights); t++ {
		sum += typeWeights[t]
	}

	for t := 1; t < NumTypes; t++ {
		stats := a.stats[t]
		for c := range stats {
			stats[c].MaxSlots = 0
			stats[c].RACShare = 0
		}
		if sum <= 0 || t >= len(typeWeights) || typeWeights[t] <= 0 {
			continue
		}
		n := int(float64(totalSlots) * typeWeights[t] / sum)

		var racTotal float64
		for c := 1; c < len(stats); c++ {
			racTotal += stats[c].RAC
		}

		stats[0].MaxSlots = n / 2
		rest := n - n/2
		for c := 1; c < len(stats); c++ {
			if racTotal > 0 {
				stats[c].RACShare = stats[c].RAC / racTotal
			}
			stats[c].MaxSlots = int(float64(rest) * stats[c].RACShare)
			if stats[c].RAC > 0 && stats[c].MaxSlots < 1 {
				stats[c].MaxSlots = 1
			}
		}
		a.log.Debug("hr allocation", "type", TypeName(t), "slots", n, "uncommitted", stats[0].MaxSlots)
	}
}

// ResetCounts zeroes CurSlots everywhere. Called at the start of each cache scan.
func (a *Allocator) ResetCounts() {
	for t := range a.stats {
		for c := range a.stats[t] {
			a.stats[t][c].CurSlots = 0
		}
	}
}

// Count records a slot already held by class without checking the quota.
func (a *Allocator) Count(t, class int) {
	if t == TypeNone || !a.inRange(t, class) {
		return
	}
	a.stats[t][class].CurSlots++
}

// Uncount releases a slot counted for class, as when a slot is purged.
func (a *Allocator) Uncount(t, class int) {
	if t == TypeNone || !a.inRange(t, class) || a.stats[t][class].CurSlots == 0 {
		return
	}
	a.stats[t][class].CurSlots--
}

// Accept reports whether another slot may be filled for class, and if so
// counts it. Apps without HR are always accepted.
func (a *Allocator) Accept(t, class int) bool {
	if t == TypeNone {
		return true
	}
	if !a.inRange(t, class) {
		logging.Critical(a.log, "hr class out of range", "hr_type", t, "hr_class", class)
		return false
	}
	s := &a.stats[t][class]
	if s.CurSlots >= s.MaxSlots {
		return false
	}
	s.CurSlots++
	return true
}

func (a *Allocator) inRange(t, class int) bool {
	return t >= 0 && t < NumTypes && class >= 0 && class < len(a.stats[t])
}
