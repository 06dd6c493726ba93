// Package monitor samples process memory, classifies memory pressure and
// splits the available budget between the cache, context assembly and history.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Level is a coarse classification of memory pressure.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

var levelNames = [...]string{"none", "low", "medium", "high", "critical"}

func (l Level) String() string {
	if l < LevelNone || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText renders the level name so it reads well in JSON and logs.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Thresholds are the usage percentages at which each level starts.
type Thresholds struct {
	Low      float64
	Medium   float64
	High     float64
	Critical float64
}

// DefaultThresholds returns none <50, low <70, medium <85, high <95, critical >=95.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 50, Medium: 70, High: 85, Critical: 95}
}

// ThresholdsFrom builds Thresholds from a 4-element slice, falling back to defaults.
func ThresholdsFrom(v []float64) Thresholds {
	if len(v) != 4 {
		return DefaultThresholds()
	}
	return Thresholds{Low: v[0], Medium: v[1], High: v[2], Critical: v[3]}
}

// Classify maps a usage percentage to a Level.
func (t Thresholds) Classify(usagePercent float64) Level {
	switch {
	case usagePercent >= t.Critical:
		return LevelCritical
	case usagePercent >= t.High:
		return LevelHigh
	case usagePercent >= t.Medium:
		return LevelMedium
	case usagePercent >= t.Low:
		return LevelLow
	default:
		return LevelNone
	}
}

// MemoryStats is a raw heap sample.
type MemoryStats struct {
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
	Limit     uint64 `json:"limit"`
}

// Pressure is a classified memory reading.
type Pressure struct {
	HeapUsed      uint64  `json:"heap_used"`
	HeapTotal     uint64  `json:"heap_total"`
	HeapLimit     uint64  `json:"heap_limit"`
	UsagePercent  float64 `json:"usage_percent"`
	Level         Level   `json:"level"`
	ShouldCleanup bool    `json:"should_cleanup"`
}

// Allocation partitions the available budget 50/30/20.
type Allocation struct {
	MaxCacheSize   int64 `json:"max_cache_size"`
	MaxContextSize int64 `json:"max_context_size"`
	MaxHistorySize int64 `json:"max_history_size"`
}

// Total returns the budget the allocation was derived from.
func (a Allocation) Total() int64 {
	return a.MaxCacheSize + a.MaxContextSize + a.MaxHistorySize
}

// Split divides total into cache/context/history shares. The history share
// takes the rounding remainder so the three always sum to total.
func Split(total int64) Allocation {
	if total <= 0 {
		return Allocation{}
	}
	cache := total / 2
	ctx := total * 3 / 10
	return Allocation{
		MaxCacheSize:   cache,
		MaxContextSize: ctx,
		MaxHistorySize: total - cache - ctx,
	}
}

// Sampler returns a memory sample. Tests substitute their own.
type Sampler func() MemoryStats

// CleanupFunc releases memory. Errors are logged by the monitor.
type CleanupFunc func() error

// Monitor tracks process memory and runs cleanup callbacks under pressure.
type Monitor struct {
	sampler    Sampler
	thresholds Thresholds
	logger     *slog.Logger

	mu        sync.Mutex
	callbacks []CleanupFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the runtime sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithThresholds sets the level thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithLimit samples the Go runtime but reports against a fixed limit in bytes.
func WithLimit(limit uint64) Option {
	return func(m *Monitor) {
		if limit > 0 {
			m.sampler = runtimeSampler(limit)
		}
	}
}

// WithLogger sets the logger used for cleanup reporting.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor sampling the Go runtime by default.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		sampler:    runtimeSampler(0),
		thresholds: DefaultThresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// runtimeSampler reads runtime.MemStats. The limit is the configured one,
// else the runtime soft memory limit when set, else memory obtained from the OS.
func runtimeSampler(limit uint64) Sampler {
	return func() MemoryStats {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		l := limit
		if l == 0 {
			if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
				l = uint64(soft)
			} else {
				l = ms.Sys
			}
		}
		return MemoryStats{
			HeapUsed:  ms.HeapAlloc,
			HeapTotal: ms.HeapSys,
			Limit:     l,
		}
	}
}

// GetMemoryStats returns a fresh sample.
func (m *Monitor) GetMemoryStats() MemoryStats {
	return m.sampler()
}

// GetMemoryPressure samples memory and classifies it.
func (m *Monitor) GetMemoryPressure() Pressure {
	s := m.sampler()
	usage := 0.0
	if s.Limit > 0 {
		usage = float64(s.HeapUsed) / float64(s.Limit) * 100
	}
	usage = math.Max(0, math.Min(100, usage))
	level := m.thresholds.Classify(usage)

	recordPressure(usage, level)

	return Pressure{
		HeapUsed:      s.HeapUsed,
		HeapTotal:     s.HeapTotal,
		HeapLimit:     s.Limit,
		UsagePercent:  usage,
		Level:         level,
		ShouldCleanup: level >= LevelMedium,
	}
}

// GetCacheAllocation splits the currently available memory 50/30/20.
func (m *Monitor) GetCacheAllocation() Allocation {
	s := m.sampler()
	var available int64
	if s.Limit > s.HeapUsed {
		available = int64(s.Limit - s.HeapUsed)
	}
	return Split(available)
}

// RegisterCleanupCallback adds fn to the callbacks run by TriggerCleanup.
func (m *Monitor) RegisterCleanupCallback(fn CleanupFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// TriggerCleanup runs every registered callback when forced or when the
// current pressure calls for it. It returns how many callbacks ran.
// A failing or panicking callback is logged and the rest still run.
func (m *Monitor) TriggerCleanup(force bool) int {
	if !force {
		p := m.GetMemoryPressure()
		if !p.ShouldCleanup {
			return 0
		}
		m.logger.Info("memory pressure, running cleanup", "level", p.Level, "usage_percent", p.UsagePercent)
	}

	m.mu.Lock()
	callbacks := make([]CleanupFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for i, fn := range callbacks {
		if err := runCallback(fn); err != nil {
			m.logger.Error("cleanup callback failed", "index", i, "error", err)
		}
	}
	cleanupRuns.Add(float64(len(callbacks)))
	return len(callbacks)
}

func runCallback(fn CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Run samples pressure every interval and triggers cleanup when warranted.
// It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.TriggerCleanup(false)
		}
	}
}
