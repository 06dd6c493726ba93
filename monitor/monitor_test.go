package monitor

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSampler(used, total, limit uint64) Sampler {
	return func() MemoryStats {
		return MemoryStats{HeapUsed: used, HeapTotal: total, Limit: limit}
	}
}

func TestClassifyLevels(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		usage float64
		want  Level
	}{
		{0, LevelNone},
		{49.9, LevelNone},
		{50, LevelLow},
		{69.9, LevelLow},
		{70, LevelMedium},
		{84.9, LevelMedium},
		{85, LevelHigh},
		{94.9, LevelHigh},
		{95, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.usage), "usage %.1f", tt.usage)
	}
}

func TestPressureIsClampedAndClassified(t *testing.T) {
	tests := []struct {
		name         string
		used, limit  uint64
		wantLevel    Level
		wantCleanup  bool
		wantUsagePct float64
	}{
		{"idle", 10, 100, LevelNone, false, 10},
		{"medium", 75, 100, LevelMedium, true, 75},
		{"over limit", 300, 100, LevelCritical, true, 100},
		{"no limit", 300, 0, LevelNone, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(WithSampler(fixedSampler(tt.used, tt.used, tt.limit)))
			p := m.GetMemoryPressure()
			assert.Equal(t, tt.wantLevel, p.Level)
			assert.Equal(t, tt.wantCleanup, p.ShouldCleanup)
			assert.InDelta(t, tt.wantUsagePct, p.UsagePercent, 0.001)
			assert.GreaterOrEqual(t, p.UsagePercent, 0.0)
			assert.LessOrEqual(t, p.UsagePercent, 100.0)
		})
	}
}

func TestRuntimeSamplerReportsSaneValues(t *testing.T) {
	m := New()
	s := m.GetMemoryStats()
	assert.NotZero(t, s.HeapUsed)
	assert.NotZero(t, s.Limit)

	p := m.GetMemoryPressure()
	assert.GreaterOrEqual(t, p.UsagePercent, 0.0)
	assert.LessOrEqual(t, p.UsagePercent, 100.0)
	assert.Contains(t, levelNames[:], p.Level.String())
}

func TestAllocationSplitSumsToBudget(t *testing.T) {
	for _, total := range []int64{100, 101, 1023, 1 << 20, 7_777_777, math.MaxInt32} {
		a := Split(total)
		assert.Equal(t, total, a.MaxCacheSize+a.MaxContextSize+a.MaxHistorySize, "total %d", total)
		assert.Less(t, math.Abs(float64(a.MaxCacheSize)/float64(total)-0.5), 0.01, "total %d", total)
		assert.Equal(t, total, a.Total())
	}
	assert.Equal(t, Allocation{}, Split(0))
	assert.Equal(t, Allocation{}, Split(-5))
}

func TestGetCacheAllocationFollowsAvailableMemory(t *testing.T) {
	var used atomic.Uint64
	used.Store(200)
	m := New(WithSampler(func() MemoryStats {
		return MemoryStats{HeapUsed: used.Load(), Limit: 1200}
	}))

	a := m.GetCacheAllocation()
	assert.Equal(t, int64(1000), a.Total())
	assert.Equal(t, int64(500), a.MaxCacheSize)
	assert.Equal(t, int64(300), a.MaxContextSize)
	assert.Equal(t, int64(200), a.MaxHistorySize)

	used.Store(1100)
	assert.Equal(t, int64(100), m.GetCacheAllocation().Total())

	used.Store(5000)
	assert.Equal(t, Allocation{}, m.GetCacheAllocation())
}

func TestTriggerCleanupOnlyUnderPressure(t *testing.T) {
	var used atomic.Uint64
	used.Store(10)
	m := New(WithSampler(func() MemoryStats {
		return MemoryStats{HeapUsed: used.Load(), Limit: 100}
	}))

	var calls atomic.Int32
	m.RegisterCleanupCallback(func() error {
		calls.Add(1)
		return nil
	})

	assert.Equal(t, 0, m.TriggerCleanup(false))
	assert.Equal(t, int32(0), calls.Load())

	assert.Equal(t, 1, m.TriggerCleanup(true))
	assert.Equal(t, int32(1), calls.Load())

	used.Store(90)
	assert.Equal(t, 1, m.TriggerCleanup(false))
	assert.Equal(t, int32(2), calls.Load())
}

func TestTriggerCleanupSurvivesFailingCallbacks(t *testing.T) {
	m := New(WithSampler(fixedSampler(0, 0, 100)))

	var ran []int
	m.RegisterCleanupCallback(func() error {
		ran = append(ran, 1)
		return errors.New("boom")
	})
	m.RegisterCleanupCallback(func() error {
		ran = append(ran, 2)
		panic("callback panic")
	})
	m.RegisterCleanupCallback(func() error {
		ran = append(ran, 3)
		return nil
	})
	m.RegisterCleanupCallback(nil)

	require.Equal(t, 3, m.TriggerCleanup(true))
	assert.Equal(t, []int{1, 2, 3}, ran)
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(WithSampler(fixedSampler(99, 99, 100)))
	var calls atomic.Int32
	m.RegisterCleanupCallback(func() error {
		calls.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLevelText(t *testing.T) {
	b, err := LevelHigh.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "high", string(b))
	assert.Equal(t, "Level(9)", Level(9).String())
}

func TestThresholdsFrom(t *testing.T) {
	assert.Equal(t, DefaultThresholds(), ThresholdsFrom(nil))
	assert.Equal(t, Thresholds{10, 20, 30, 40}, ThresholdsFrom([]float64{10, 20, 30, 40}))
}
