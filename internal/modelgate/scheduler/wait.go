package scheduler

import (
	"math"
	"math/rand"
	"time"

	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
)

// computeWait estimates how long the caller should wait before retrying,
// given that no model could admit. Per model it takes the larger of the token
// refill wait and the slot backoff (both resources must be available), then
// the minimum across models. Models that can never fit the estimate are
// skipped.
func computeWait(
	config configuration.SchedulingConfig,
	models []repository.ModelEntry,
	states map[string]repository.ModelState,
	estimatedSize float64,
) time.Duration {
	best := time.Duration(math.MaxInt64)
	for _, model := range models {
		state := states[model.Name]

		var tokenWait time.Duration
		if state.Tokens < estimatedSize {
			ratePerSecond := model.Config.MaxTokensPerMinute / 60
			if ratePerSecond <= 0 {
				continue
			}
			seconds := (estimatedSize - state.Tokens) / ratePerSecond
			tokenWait = time.Duration(seconds * float64(time.Second))
		}

		// The exact release time of an in-flight slot is unknown, so a fixed
		// short backoff is used deliberately rather than guessed.
		var slotWait time.Duration
		if state.InFlight >= model.Config.MaxConcurrent {
			slotWait = config.SlotRetryWait
		}

		wait := tokenWait
		if slotWait > wait {
			wait = slotWait
		}
		if wait < best {
			best = wait
		}
	}

	// Defensive floor: if every model reports zero yet none admitted (e.g.
	// deficit gating), return the default retry rather than flapping.
	if best == time.Duration(math.MaxInt64) || best <= 0 {
		return config.DefaultRetryWait
	}
	return best
}

// shapeWait desynchronizes concurrent callers that computed similar raw
// waits: jitter by +/-JitterFraction, round up to the next refill tick so
// wake-ups align with capacity recovery instants, then floor.
func shapeWait(config configuration.SchedulingConfig, raw time.Duration, rng *rand.Rand) time.Duration {
	wait := raw
	if config.JitterFraction > 0 {
		factor := 1 + config.JitterFraction*(2*rng.Float64()-1)
		wait = time.Duration(float64(wait) * factor)
	}
	if tick := config.RefillTick; tick > 0 {
		if remainder := wait % tick; remainder != 0 {
			wait += tick - remainder
		}
	}
	if wait < config.MinWait {
		wait = config.MinWait
	}
	return wait
}
