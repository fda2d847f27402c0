package scheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/modelgate/modelgate/internal/common/util"
	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/internal/modelgate/metrics"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
	"github.com/modelgate/modelgate/pkg/api"
)

// ErrInvalidSize rejects schedule calls with a non-positive size estimate.
// Nothing is mutated on this path.
var ErrInvalidSize = errors.New("estimated size must be a positive number")

// Decision is the outcome of one schedule call: either an admission to a
// model, or a hint for how long to wait before asking again.
type Decision struct {
	Admitted bool
	Model    string
	TaskId   string
	Wait     time.Duration
}

// Engine is the admission-control engine: weighted deficit round-robin
// fair-share scheduling combined with a continuous token bucket and a hard
// concurrency cap per model. Each schedule call is one logically-atomic
// decision; the state repository guarantees no caller observes a half-applied
// update.
type Engine struct {
	configMu sync.RWMutex
	config   configuration.SchedulingConfig

	states  repository.StateRepository
	leases  repository.LeaseRepository
	models  repository.ModelRepository
	advisor *Advisor
	clock   util.Clock
	rand    *rand.Rand
}

func New(
	config configuration.SchedulingConfig,
	states repository.StateRepository,
	leases repository.LeaseRepository,
	models repository.ModelRepository,
	advisor *Advisor,
	clock util.Clock,
	rng *rand.Rand,
) *Engine {
	return &Engine{
		config:  config,
		states:  states,
		leases:  leases,
		models:  models,
		advisor: advisor,
		clock:   clock,
		rand:    rng,
	}
}

// SchedulingConfig returns a copy of the current scheduling configuration.
func (e *Engine) SchedulingConfig() configuration.SchedulingConfig {
	e.configMu.RLock()
	defer e.configMu.RUnlock()
	return e.config
}

// SetSchedulingConfig replaces the scheduling configuration. The next
// schedule call observes the new values; no restart is required.
func (e *Engine) SetSchedulingConfig(config configuration.SchedulingConfig) {
	e.configMu.Lock()
	e.config = config
	e.configMu.Unlock()
	e.advisor.SetConfig(config.Advisor)
}

// Schedule decides whether one unit of work of the given estimated size may
// proceed now. On admission it atomically debits the selected model's deficit
// and tokens, takes an in-flight slot, and creates a lease; otherwise it
// returns a jittered wait hint.
func (e *Engine) Schedule(estimatedSize float64) (*Decision, error) {
	if estimatedSize <= 0 || math.IsNaN(estimatedSize) || math.IsInf(estimatedSize, 0) {
		return nil, ErrInvalidSize
	}
	config := e.SchedulingConfig()
	now := e.clock.Now()

	var decision *Decision
	err := e.states.Update(func(snapshot *repository.SchedulerSnapshot) (*repository.StateUpdate, error) {
		var update *repository.StateUpdate
		decision, update = decide(config, snapshot, estimatedSize, now, e.rand)
		return update, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "schedule transaction failed")
	}

	e.advisor.Record(decision.Admitted, decision.Wait)
	metrics.RecordScheduleOutcome(decision.Admitted, decision.Wait)
	return decision, nil
}

// Complete closes out an admitted unit of work, freeing its in-flight slot.
// The consumed tokens and deficit stay spent. Returns repository.ErrNotFound
// if the lease was already reclaimed or completed.
func (e *Engine) Complete(taskId string) error {
	return e.leases.Complete(taskId)
}

// Heartbeat extends the lease for an admitted unit of work by one full TTL.
// Returns repository.ErrNotFound if the lease no longer exists; the caller
// should stop working, its capacity was revoked.
func (e *Engine) Heartbeat(taskId string) error {
	ttl := e.SchedulingConfig().LeaseTtl
	return e.leases.Heartbeat(taskId, e.clock.Now().Add(ttl))
}

// Advice returns the backpressure advisory: a congestion score in [0,1] and a
// recommended caller concurrency. Advisory only, never enforced.
func (e *Engine) Advice() (*api.Advice, error) {
	models, err := e.models.GetModels()
	if err != nil {
		return nil, err
	}
	states, err := e.states.GetStates()
	if err != nil {
		return nil, err
	}

	var totalInFlight, totalCap int64
	for _, model := range models {
		totalCap += model.MaxConcurrent
		if state, ok := states[model.Name]; ok {
			totalInFlight += state.InFlight
		}
	}
	return e.advisor.Advice(totalInFlight, totalCap), nil
}

// decide executes one scheduling round over a consistent snapshot. It is a
// pure function of its inputs apart from task id generation and wait jitter.
func decide(
	config configuration.SchedulingConfig,
	snapshot *repository.SchedulerSnapshot,
	estimatedSize float64,
	now time.Time,
	rng *rand.Rand,
) (*Decision, *repository.StateUpdate) {
	if len(snapshot.Models) == 0 {
		// Precondition violated; report a plain retry hint rather than fail.
		return &Decision{Wait: shapeWait(config, config.DefaultRetryWait, rng)}, nil
	}

	elapsed := time.Duration(0)
	if !snapshot.LastRefill.IsZero() {
		elapsed = now.Sub(snapshot.LastRefill)
		if elapsed < 0 {
			elapsed = 0
		}
	}

	// Refill every model's tokens linearly toward its cap and accumulate the
	// fair-share quantum, boosted for models that have gone unselected.
	states := make(map[string]repository.ModelState, len(snapshot.Models))
	for _, model := range snapshot.Models {
		state := model.State
		tokenCap := model.Config.MaxTokensPerMinute
		state.Tokens = math.Min(tokenCap, state.Tokens+tokenCap/60*elapsed.Seconds())

		quantum := model.Config.Weight * (1 + config.AgeBonusPerRound*float64(state.IdleRounds))
		state.Deficit += quantum
		if ceiling := config.DeficitCeilingFactor * model.Config.Weight; ceiling > 0 && state.Deficit > ceiling {
			state.Deficit = ceiling
		}
		states[model.Name] = state
	}

	// Scan in round-robin order from a rotating start, first fit. A single
	// pass avoids head-of-line blocking on an unfit model.
	n := len(snapshot.Models)
	start := int(snapshot.Rotation % int64(n))
	selected := -1
	for i := 0; i < n; i++ {
		model := snapshot.Models[(start+i)%n]
		state := states[model.Name]
		if state.Deficit >= estimatedSize &&
			state.InFlight < model.Config.MaxConcurrent &&
			state.Tokens >= estimatedSize {
			selected = (start + i) % n
			break
		}
	}

	update := &repository.StateUpdate{
		States:     states,
		LastRefill: now,
		Rotation:   snapshot.Rotation + 1,
	}

	if selected >= 0 {
		winner := snapshot.Models[selected]
		for _, model := range snapshot.Models {
			state := states[model.Name]
			if model.Name == winner.Name {
				state.Deficit -= estimatedSize
				state.Tokens -= estimatedSize
				state.InFlight++
				state.IdleRounds = 0
			} else {
				state.IdleRounds++
			}
			states[model.Name] = state
		}
		update.Lease = &repository.Lease{
			TaskId:         util.NewULID(),
			Model:          winner.Name,
			ChargedTokens:  estimatedSize,
			ChargedDeficit: estimatedSize,
			Created:        now,
			ExpiresAt:      now.Add(config.LeaseTtl),
		}
		return &Decision{
			Admitted: true,
			Model:    winner.Name,
			TaskId:   update.Lease.TaskId,
		}, update
	}

	for _, model := range snapshot.Models {
		state := states[model.Name]
		state.IdleRounds++
		states[model.Name] = state
	}
	raw := computeWait(config, snapshot.Models, states, estimatedSize)
	return &Decision{Wait: shapeWait(config, raw, rng)}, update
}
