package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/modelgate/modelgate/pkg/api"
)

type ModelgateConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	Scheduling SchedulingConfig

	// Models seeded into the state store at startup. Models already present
	// in the store are left untouched so runtime edits survive restarts.
	Models map[string]ModelConfig
}

type ModelConfig struct {
	Weight             float64
	MaxConcurrent      int64
	MaxTokensPerMinute float64
}

// SchedulingConfig holds the global scheduling knobs. All of them are mutable
// at runtime through the config endpoint and are observed by the next
// schedule call.
type SchedulingConfig struct {
	// Leases not heartbeated within this duration are reclaimed.
	LeaseTtl time.Duration
	// Interval between reclaimer sweeps.
	ReclaimInterval time.Duration

	// Fraction of a model's weight added to its per-round deficit quantum
	// for every consecutive round the model went unselected. Bounds how long
	// a large estimate can starve behind a stream of small ones.
	AgeBonusPerRound float64
	// Deficit is capped at DeficitCeilingFactor * weight.
	DeficitCeilingFactor float64

	// Wait hints are rounded up to a multiple of this tick so wake-ups line
	// up with token refill instants.
	RefillTick time.Duration
	// Floor applied to every returned wait hint.
	MinWait time.Duration
	// Returned when no model can admit but every per-model wait is zero.
	DefaultRetryWait time.Duration
	// Backoff suggested while a model's concurrency cap is saturated. The
	// exact release instant of an in-flight slot is unknown, so a short
	// constant is used rather than guessed.
	SlotRetryWait time.Duration
	// Wait hints are perturbed by up to +/- this fraction.
	JitterFraction float64

	// Attempts for the optimistic schedule transaction before giving up.
	TxRetries uint

	Advisor AdvisorConfig
}

// AdvisorConfig tunes the backpressure advisory.
type AdvisorConfig struct {
	// Only outcomes younger than this contribute to the advisory.
	Window time.Duration
	// p95 wait magnitudes at or below WaitScoreLow score 0; at or above
	// WaitScoreHigh they score 1.
	WaitScoreLow  time.Duration
	WaitScoreHigh time.Duration
	// Never recommend fewer parallel callers than this.
	MinParallelism int
}

func (c ModelConfig) ToApi(name string) *api.ModelConfig {
	return &api.ModelConfig{
		Name:               name,
		Weight:             c.Weight,
		MaxConcurrent:      c.MaxConcurrent,
		MaxTokensPerMinute: c.MaxTokensPerMinute,
	}
}
