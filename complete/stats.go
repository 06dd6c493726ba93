package complete

import (
	"fmt"
	"strings"
	"sync"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
)

// Stats accumulates orchestration statistics for one session. Cancelled
// requests never reach it.
type Stats struct {
	now func() time.Time

	mu            sync.Mutex
	started       time.Time
	generated     int64
	fromCache     int64
	failed        int64
	accepted      int64
	rejected      int64
	totalLatency  time.Duration
	tokens        int64
	inferenceTime time.Duration
}

// Snapshot is a point-in-time copy of Stats with derived rates.
type Snapshot struct {
	Generated      int64         `json:"generated"`
	FromCache      int64         `json:"from_cache"`
	Failed         int64         `json:"failed"`
	Accepted       int64         `json:"accepted"`
	Rejected       int64         `json:"rejected"`
	AcceptanceRate float64       `json:"acceptance_rate"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	TotalLatency   time.Duration `json:"total_latency"`
	TokensPerSec   float64       `json:"tokens_per_sec"`
	Uptime         time.Duration `json:"uptime"`
	Samples        int64         `json:"samples"`
}

func newStats(now func() time.Time) *Stats {
	return &Stats{now: now, started: now()}
}

func (s *Stats) recordDelivery(r codelet.Result, cached bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generated++
	s.totalLatency += r.Latency
	if cached {
		s.fromCache++
		return
	}
	s.tokens += int64(r.Tokens)
	s.inferenceTime += r.Latency
}

func (s *Stats) recordFailure() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *Stats) recordAcceptance(accepted bool) {
	s.mu.Lock()
	if accepted {
		s.accepted++
	} else {
		s.rejected++
	}
	s.mu.Unlock()
}

// Reset zeroes all counters and restarts the uptime clock.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = s.now()
	s.generated, s.fromCache, s.failed = 0, 0, 0
	s.accepted, s.rejected = 0, 0
	s.totalLatency, s.inferenceTime = 0, 0
	s.tokens = 0
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Generated:    s.generated,
		FromCache:    s.fromCache,
		Failed:       s.failed,
		Accepted:     s.accepted,
		Rejected:     s.rejected,
		TotalLatency: s.totalLatency,
		Uptime:       s.now().Sub(s.started),
		Samples:      s.generated,
	}
	if decided := s.accepted + s.rejected; decided > 0 {
		snap.AcceptanceRate = clamp01(float64(s.accepted) / float64(decided))
	}
	if s.generated > 0 {
		snap.CacheHitRate = clamp01(float64(s.fromCache) / float64(s.generated))
		snap.AverageLatency = s.totalLatency / time.Duration(s.generated)
	}
	if s.inferenceTime > 0 {
		snap.TokensPerSec = float64(s.tokens) / s.inferenceTime.Seconds()
	}
	return snap
}

// Report renders the statistics for humans.
func (s *Stats) Report() string {
	snap := s.Snapshot()

	var b strings.Builder
	b.WriteString("=== Performance Report ===\n")
	fmt.Fprintf(&b, "Uptime:          %s\n", snap.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Completions:     %d (%d from cache, %d failed)\n", snap.Generated, snap.FromCache, snap.Failed)
	fmt.Fprintf(&b, "Acceptance Rate: %.1f%% (%d accepted, %d rejected)\n", snap.AcceptanceRate*100, snap.Accepted, snap.Rejected)
	fmt.Fprintf(&b, "Cache Hit Rate:  %.1f%%\n", snap.CacheHitRate*100)
	fmt.Fprintf(&b, "Avg Latency:     %s (%d samples)\n", snap.AverageLatency.Round(time.Millisecond), snap.Samples)
	fmt.Fprintf(&b, "Total Latency:   %s\n", snap.TotalLatency.Round(time.Millisecond))
	fmt.Fprintf(&b, "Tokens/Sec:      %.1f\n", snap.TokensPerSec)
	return b.String()
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
