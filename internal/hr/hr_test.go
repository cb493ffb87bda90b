package hr

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/gridwork/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hostList []types.Host

func (h hostList) ListHosts(context.Context) ([]types.Host, error) { return h, nil }

func TestClassify(t *testing.T) {
	linuxIntel := types.Host{OSName: "Linux", PVendor: "GenuineIntel"}
	macArm := types.Host{OSName: "Mac OS X", PVendor: "ARM"}
	unknown := types.Host{OSName: "Plan 9", PVendor: "intel"}

	assert.Equal(t, 2, Classify(TypeOS, linuxIntel))
	assert.Equal(t, 3, Classify(TypeOS, macArm))
	assert.Equal(t, 0, Classify(TypeOS, unknown))

	// linux = os index 1, intel = cpu index 0
	assert.Equal(t, 1*3+0+1, Classify(TypeOSCPU, linuxIntel))
	assert.Equal(t, 0, Classify(TypeOSCPU, unknown))
	assert.Equal(t, 0, Classify(TypeNone, linuxIntel))
}

func TestScanDBSumsRAC(t *testing.T) {
	a := NewAllocator(nil)
	hosts := hostList{
		{OSName: "Linux", PVendor: "AMD", ExpAvgCredit: 10},
		{OSName: "linux", PVendor: "intel", ExpAvgCredit: 5},
		{OSName: "Windows 11", PVendor: "intel", ExpAvgCredit: 7},
		{OSName: "haiku", PVendor: "intel", ExpAvgCredit: 100},
	}
	require.NoError(t, a.ScanDB(context.Background(), hosts))

	assert.Equal(t, 15.0, a.RAC(TypeOS, Classify(TypeOS, hosts[0])))
	assert.Equal(t, 7.0, a.RAC(TypeOS, Classify(TypeOS, hosts[2])))
	assert.Equal(t, 10.0, a.RAC(TypeOSCPU, Classify(TypeOSCPU, hosts[0])))
	assert.Equal(t, 0.0, a.RAC(TypeOS, 0))
}

func TestAllocate(t *testing.T) {
	a := NewAllocator(nil)
	a.SetRAC(TypeOS, 1, 90)
	a.SetRAC(TypeOS, 2, 10)
	a.SetRAC(TypeOS, 3, 0.001)

	a.Allocate(100, []float64{0, 1, 0})

	stats := a.Stats(TypeOS)
	assert.Equal(t, 50, stats[0].MaxSlots)
	assert.Equal(t, 44, stats[1].MaxSlots)
	assert.Equal(t, 4, stats[2].MaxSlots)
	assert.Equal(t, 1, stats[3].MaxSlots, "nonzero RAC gets at least one slot")
	assert.Equal(t, 0, stats[4].MaxSlots)

	for _, s := range a.Stats(TypeOSCPU) {
		assert.Zero(t, s.MaxSlots)
	}
}

func TestAllocateSplitsByTypeWeight(t *testing.T) {
	a := NewAllocator(nil)
	a.SetRAC(TypeOS, 1, 1)
	a.SetRAC(TypeOSCPU, 1, 1)

	a.Allocate(90, []float64{0, 2, 1})

	assert.Equal(t, 30, a.Stats(TypeOS)[0].MaxSlots)
	assert.Equal(t, 30, a.Stats(TypeOS)[1].MaxSlots)
	assert.Equal(t, 15, a.Stats(TypeOSCPU)[0].MaxSlots)
	assert.Equal(t, 15, a.Stats(TypeOSCPU)[1].MaxSlots)
}

func TestAcceptNeverExceedsQuota(t *testing.T) {
	a := NewAllocator(nil)
	rng := rand.New(rand.NewSource(1))
	for c := 1; c < NumClasses(TypeOSCPU); c++ {
		a.SetRAC(TypeOSCPU, c, rng.Float64()*100)
	}
	a.Allocate(64, []float64{0, 0, 1})

	for round := 0; round < 3; round++ {
		a.ResetCounts()
		for i := 0; i < 500; i++ {
			a.Accept(TypeOSCPU, rng.Intn(NumClasses(TypeOSCPU)))
		}
		var cur, max int
		for _, s := range a.Stats(TypeOSCPU) {
			assert.LessOrEqual(t, s.CurSlots, s.MaxSlots)
			cur += s.CurSlots
			max += s.MaxSlots
		}
		assert.LessOrEqual(t, cur, max)
	}
}

func TestAcceptReturnsTrueOnAcceptance(t *testing.T) {
	a := NewAllocator(nil)
	a.SetRAC(TypeOS, 2, 1)
	a.Allocate(4, []float64{0, 1, 0})

	assert.True(t, a.Accept(TypeOS, 2))
	assert.True(t, a.Accept(TypeOS, 2))
	assert.False(t, a.Accept(TypeOS, 2))

	a.ResetCounts()
	assert.True(t, a.Accept(TypeOS, 2))
}

func TestAcceptRejectsOutOfRangeClass(t *testing.T) {
	a := NewAllocator(nil)
	a.Allocate(100, []float64{0, 1, 1})

	assert.False(t, a.Accept(TypeOS, 99))
	assert.False(t, a.Accept(TypeOS, -1))
	assert.False(t, a.Accept(7, 1))
	assert.True(t, a.Accept(TypeNone, 42), "apps without HR are not gated")
}

func TestCountUsesQuota(t *testing.T) {
	a := NewAllocator(nil)
	a.SetRAC(TypeOS, 1, 1)
	a.Allocate(2, []float64{0, 1, 0})

	a.ResetCounts()
	a.Count(TypeOS, 1)
	assert.False(t, a.Accept(TypeOS, 1))

	a.Uncount(TypeOS, 1)
	assert.True(t, a.Accept(TypeOS, 1))
	a.Uncount(TypeOS, 1)
	a.Uncount(TypeOS, 1)
	assert.Zero(t, a.Stats(TypeOS)[1].CurSlots, "never below zero")
}

func TestInfoFileRoundTrip(t *testing.T) {
	a := NewAllocator(nil)
	rng := rand.New(rand.NewSource(7))
	for ty := 1; ty < NumTypes; ty++ {
		for c := 1; c < NumClasses(ty); c++ {
			a.SetRAC(ty, c, rng.Float64()*1e6/3)
		}
	}
	a.SetRAC(TypeOS, 2, 0)

	path := filepath.Join(t.TempDir(), "hr_info.txt")
	require.NoError(t, a.WriteFile(path))

	b := NewAllocator(nil)
	require.NoError(t, b.ReadFile(path))
	for ty := 1; ty < NumTypes; ty++ {
		for c := 0; c < NumClasses(ty); c++ {
			assert.Equal(t, a.RAC(ty, c), b.RAC(ty, c), "type %d class %d", ty, c)
		}
	}
}

func TestReadFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no header":     "1 2.5\n",
		"unknown type":  "--------- gpu\n1 2\n",
		"bad class":     "--------- os\nx 2\n",
		"class too big": "--------- os\n99 2\n",
		"extra field":   "--------- os\n1 2 3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			assert.ErrorIs(t, NewAllocator(nil).ReadFile(path), ErrBadInfoFile)
		})
	}
}

func TestReadFileKeepsRACOnError(t *testing.T) {
	a := NewAllocator(nil)
	a.SetRAC(TypeOS, 1, 100)
	a.SetRAC(TypeOS, 2, 200)
	a.SetRAC(TypeOSCPU, 3, 300)

	path := filepath.Join(t.TempDir(), "hr_info.txt")
	require.NoError(t, os.WriteFile(path, []byte("--------- os\n1 7\n2 oops\n"), 0o644))
	assert.ErrorIs(t, a.ReadFile(path), ErrBadInfoFile)

	assert.Equal(t, 100.0, a.RAC(TypeOS, 1))
	assert.Equal(t, 200.0, a.RAC(TypeOS, 2))
	assert.Equal(t, 300.0, a.RAC(TypeOSCPU, 3))
}
