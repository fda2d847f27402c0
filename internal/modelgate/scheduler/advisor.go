package scheduler

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/modelgate/modelgate/internal/common/util"
	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/pkg/api"
)

type outcomeSample struct {
	at       time.Time
	admitted bool
	wait     time.Duration
}

// Advisor keeps a rolling window of recent scheduling outcomes and derives
// the backpressure advisory from it. The window is not authoritative state;
// recording is best-effort and a sample lost under contention never affects
// admission correctness.
type Advisor struct {
	mu      sync.Mutex
	config  configuration.AdvisorConfig
	samples []outcomeSample
	clock   util.Clock
}

func NewAdvisor(config configuration.AdvisorConfig, clock util.Clock) *Advisor {
	return &Advisor{config: config, clock: clock}
}

func (a *Advisor) SetConfig(config configuration.AdvisorConfig) {
	a.mu.Lock()
	a.config = config
	a.mu.Unlock()
}

// Record appends one outcome. If the lock is contended the sample is dropped
// rather than blocking the schedule hot path.
func (a *Advisor) Record(admitted bool, wait time.Duration) {
	if !a.mu.TryLock() {
		return
	}
	defer a.mu.Unlock()
	a.pruneLocked(a.clock.Now())
	a.samples = append(a.samples, outcomeSample{at: a.clock.Now(), admitted: admitted, wait: wait})
}

// Prune drops samples that fell out of the window. Run periodically so an
// idle advisor does not pin stale samples.
func (a *Advisor) Prune() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clock.Now())
}

func (a *Advisor) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.config.Window)
	keep := a.samples[:0]
	for _, s := range a.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	a.samples = keep
}

// Advice combines the normalized 95th-percentile recent wait with the
// complement of the recent admit rate, weighted equally, into a congestion
// score, and sizes the recommended caller concurrency from the in-flight
// total plus congestion-scaled headroom.
func (a *Advisor) Advice(totalInFlight int64, totalCap int64) *api.Advice {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(a.clock.Now())

	congestion := a.congestionLocked()

	headroom := totalCap - totalInFlight
	if headroom < 0 {
		headroom = 0
	}
	suggested := totalInFlight + int64(math.Round(float64(headroom)*(1-congestion)))
	if min := int64(a.config.MinParallelism); suggested < min {
		suggested = min
	}
	// Never recommend more parallel callers than total capacity could admit.
	if suggested > totalCap {
		suggested = totalCap
	}

	return &api.Advice{
		CongestionScore:      congestion,
		SuggestedParallelism: int(suggested),
	}
}

func (a *Advisor) congestionLocked() float64 {
	if len(a.samples) == 0 {
		return 0
	}

	admits := 0
	var waits []time.Duration
	for _, s := range a.samples {
		if s.admitted {
			admits++
		} else {
			waits = append(waits, s.wait)
		}
	}
	admitRate := float64(admits) / float64(len(a.samples))

	waitScore := 0.0
	if len(waits) > 0 {
		p95 := percentile(waits, 0.95)
		low, high := a.config.WaitScoreLow, a.config.WaitScoreHigh
		if high > low {
			waitScore = clamp01(float64(p95-low) / float64(high-low))
		} else if p95 >= high {
			waitScore = 1
		}
	}

	return clamp01(0.5*waitScore + 0.5*(1-admitRate))
}

func percentile(durations []time.Duration, q float64) time.Duration {
	sorted := append([]time.Duration{}, durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
