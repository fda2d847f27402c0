package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/common/util"
	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
	"github.com/modelgate/modelgate/pkg/api"
)

func testSchedulingConfig() configuration.SchedulingConfig {
	return configuration.SchedulingConfig{
		LeaseTtl:             2 * time.Minute,
		ReclaimInterval:      10 * time.Second,
		AgeBonusPerRound:     0.1,
		DeficitCeilingFactor: 300,
		RefillTick:           0,
		MinWait:              50 * time.Millisecond,
		DefaultRetryWait:     500 * time.Millisecond,
		SlotRetryWait:        250 * time.Millisecond,
		JitterFraction:       0,
		TxRetries:            20,
		Advisor: configuration.AdvisorConfig{
			Window:         time.Minute,
			WaitScoreLow:   100 * time.Millisecond,
			WaitScoreHigh:  5 * time.Second,
			MinParallelism: 1,
		},
	}
}

func modelEntry(name string, weight float64, maxConcurrent int64, maxTokens float64, state repository.ModelState) repository.ModelEntry {
	return repository.ModelEntry{
		Name: name,
		Config: api.ModelConfig{
			Name:               name,
			Weight:             weight,
			MaxConcurrent:      maxConcurrent,
			MaxTokensPerMinute: maxTokens,
		},
		State: state,
	}
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecide_DeficitGatesAdmissionIndependentlyOfTokens(t *testing.T) {
	// Ample tokens, but only one round of deficit credit: must wait.
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 1, 60, repository.ModelState{Tokens: 60}),
		},
		LastRefill: testNow,
	}

	decision, update := decide(testSchedulingConfig(), snapshot, 10, testNow, rand.New(rand.NewSource(1)))

	assert.False(t, decision.Admitted)
	assert.Equal(t, 500*time.Millisecond, decision.Wait)
	require.NotNil(t, update)
	assert.Nil(t, update.Lease)
	assert.Equal(t, 1.0, update.States["a"].Deficit)
	assert.Equal(t, 60.0, update.States["a"].Tokens)
	assert.Equal(t, int64(0), update.States["a"].InFlight)
}

func TestDecide_AdmitsWhenAllGuardsPass(t *testing.T) {
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 4, 600, repository.ModelState{Deficit: 20, Tokens: 600}),
		},
		LastRefill: testNow,
	}
	config := testSchedulingConfig()

	decision, update := decide(config, snapshot, 10, testNow, rand.New(rand.NewSource(1)))

	require.True(t, decision.Admitted)
	assert.Equal(t, "a", decision.Model)
	assert.NotEmpty(t, decision.TaskId)

	state := update.States["a"]
	assert.Equal(t, 11.0, state.Deficit, "deficit should gain one quantum then pay the estimate")
	assert.Equal(t, 590.0, state.Tokens)
	assert.Equal(t, int64(1), state.InFlight)
	assert.Equal(t, int64(0), state.IdleRounds)

	require.NotNil(t, update.Lease)
	assert.Equal(t, decision.TaskId, update.Lease.TaskId)
	assert.Equal(t, "a", update.Lease.Model)
	assert.Equal(t, 10.0, update.Lease.ChargedTokens)
	assert.Equal(t, 10.0, update.Lease.ChargedDeficit)
	assert.Equal(t, testNow.Add(config.LeaseTtl), update.Lease.ExpiresAt)
}

func TestDecide_ConcurrencyCapBlocksAdmission(t *testing.T) {
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 2, 600, repository.ModelState{Deficit: 50, Tokens: 600, InFlight: 2}),
		},
		LastRefill: testNow,
	}

	decision, update := decide(testSchedulingConfig(), snapshot, 10, testNow, rand.New(rand.NewSource(1)))

	assert.False(t, decision.Admitted)
	assert.Equal(t, 250*time.Millisecond, decision.Wait, "saturated cap should yield the slot backoff")
	assert.Equal(t, int64(2), update.States["a"].InFlight)
}

func TestDecide_TokenShortfallYieldsRefillWait(t *testing.T) {
	// 60 tokens/min refills 1/s; 5 tokens short means 5s.
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 100, 2, 60, repository.ModelState{Deficit: 200, Tokens: 5}),
		},
		LastRefill: testNow,
	}

	decision, _ := decide(testSchedulingConfig(), snapshot, 10, testNow, rand.New(rand.NewSource(1)))

	assert.False(t, decision.Admitted)
	assert.Equal(t, 5*time.Second, decision.Wait)
}

func TestDecide_RefillIsLinearAndClamped(t *testing.T) {
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 0.001, 1, 60, repository.ModelState{Tokens: 10}),
			modelEntry("b", 0.001, 1, 60, repository.ModelState{Tokens: 55}),
		},
		LastRefill: testNow.Add(-30 * time.Second),
	}

	_, update := decide(testSchedulingConfig(), snapshot, 1000, testNow, rand.New(rand.NewSource(1)))

	assert.Equal(t, 40.0, update.States["a"].Tokens, "30s at 1 token/s")
	assert.Equal(t, 60.0, update.States["b"].Tokens, "refill clamps at the cap")
	assert.Equal(t, testNow, update.LastRefill)
}

func TestDecide_DeficitCappedAtCeiling(t *testing.T) {
	config := testSchedulingConfig()
	config.DeficitCeilingFactor = 5
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 2, 1, 60, repository.ModelState{Deficit: 9.5, Tokens: 0}),
		},
		LastRefill: testNow,
	}

	_, update := decide(config, snapshot, 1000, testNow, rand.New(rand.NewSource(1)))

	assert.Equal(t, 10.0, update.States["a"].Deficit, "ceiling is factor * weight")
}

func TestDecide_NoModelsConfigured(t *testing.T) {
	decision, update := decide(testSchedulingConfig(), &repository.SchedulerSnapshot{}, 1, testNow, rand.New(rand.NewSource(1)))

	assert.False(t, decision.Admitted)
	assert.Equal(t, 500*time.Millisecond, decision.Wait)
	assert.Nil(t, update)
}

func TestDecide_LivenessWhenCapacityAvailable(t *testing.T) {
	// All three guards hold for one model: some admission must occur.
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 1, 60, repository.ModelState{Deficit: 0, Tokens: 0, InFlight: 1}),
			modelEntry("b", 1, 4, 600, repository.ModelState{Deficit: 100, Tokens: 600}),
		},
		LastRefill: testNow,
	}

	decision, _ := decide(testSchedulingConfig(), snapshot, 10, testNow, rand.New(rand.NewSource(1)))

	require.True(t, decision.Admitted)
	assert.Equal(t, "b", decision.Model)
}

// applyUpdate feeds a decision's state mutations back into the snapshot,
// simulating that the caller completed any admitted work immediately.
func applyUpdate(snapshot *repository.SchedulerSnapshot, decision *Decision, update *repository.StateUpdate) {
	for i := range snapshot.Models {
		state := update.States[snapshot.Models[i].Name]
		if decision.Admitted && decision.Model == snapshot.Models[i].Name {
			state.InFlight--
		}
		snapshot.Models[i].State = state
	}
	snapshot.LastRefill = update.LastRefill
	snapshot.Rotation = update.Rotation
}

func TestDecide_FairnessUnderEqualDemand(t *testing.T) {
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 100, 1e9, repository.ModelState{Tokens: 1e9}),
			modelEntry("b", 1, 100, 1e9, repository.ModelState{Tokens: 1e9}),
		},
		LastRefill: testNow,
	}
	config := testSchedulingConfig()
	config.DeficitCeilingFactor = 0
	rng := rand.New(rand.NewSource(7))

	admitted := map[string]int{}
	for round := 0; round < 200; round++ {
		decision, update := decide(config, snapshot, 1, testNow, rng)
		if decision.Admitted {
			admitted[decision.Model]++
		}
		applyUpdate(snapshot, decision, update)
	}

	diff := admitted["a"] - admitted["b"]
	if diff < 0 {
		diff = -diff
	}
	assert.Greater(t, admitted["a"], 50)
	assert.Greater(t, admitted["b"], 50)
	assert.LessOrEqual(t, diff, 2, "equal weight and demand must converge")
}

func TestDecide_LargeEstimateEventuallyAdmitted(t *testing.T) {
	snapshot := &repository.SchedulerSnapshot{
		Models: []repository.ModelEntry{
			modelEntry("a", 1, 100, 1e6, repository.ModelState{Tokens: 1e6}),
			modelEntry("b", 1, 100, 1e6, repository.ModelState{Tokens: 1e6}),
		},
		LastRefill: testNow,
	}
	config := testSchedulingConfig()
	rng := rand.New(rand.NewSource(7))

	const largeSize = 30.0
	largeAdmittedAtRound := -1
	for round := 0; round < 100; round++ {
		decision, update := decide(config, snapshot, largeSize, testNow, rng)
		applyUpdate(snapshot, decision, update)
		if decision.Admitted {
			largeAdmittedAtRound = round
			break
		}
		// Continuous smaller-task load between retries of the large one.
		smallDecision, smallUpdate := decide(config, snapshot, 1, testNow, rng)
		applyUpdate(snapshot, smallDecision, smallUpdate)
	}

	require.NotEqual(t, -1, largeAdmittedAtRound, "large estimate starved")
	assert.Less(t, largeAdmittedAtRound, 40)
}

func withEngine(t *testing.T, action func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository)) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()

	modelRepository := repository.NewRedisModelRepository(db, time.Second)
	stateRepository := repository.NewRedisStateRepository(db, 20)
	leaseRepository := repository.NewRedisLeaseRepository(db)

	clock := &util.DummyClock{T: testNow}
	config := testSchedulingConfig()
	advisor := NewAdvisor(config.Advisor, clock)
	engine := New(config, stateRepository, leaseRepository, modelRepository, advisor, clock, util.NewThreadsafeRand(1))

	require.NoError(t, modelRepository.UpsertModel(&api.ModelConfig{
		Name:               "gpt-large",
		Weight:             10,
		MaxConcurrent:      2,
		MaxTokensPerMinute: 600,
	}))

	action(engine, clock, leaseRepository)
}

func TestEngine_ScheduleRejectsInvalidSize(t *testing.T) {
	withEngine(t, func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository) {
		_, err := engine.Schedule(0)
		assert.Equal(t, ErrInvalidSize, err)
		_, err = engine.Schedule(-1)
		assert.Equal(t, ErrInvalidSize, err)
	})
}

func TestEngine_ScheduleCreatesLease(t *testing.T) {
	withEngine(t, func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository) {
		decision, err := engine.Schedule(5)
		require.NoError(t, err)
		require.True(t, decision.Admitted)
		assert.Equal(t, "gpt-large", decision.Model)

		lease, err := leases.GetLease(decision.TaskId)
		require.NoError(t, err)
		assert.Equal(t, "gpt-large", lease.Model)
		assert.Equal(t, 5.0, lease.ChargedTokens)
	})
}

func TestEngine_CompleteIsTerminal(t *testing.T) {
	withEngine(t, func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository) {
		decision, err := engine.Schedule(5)
		require.NoError(t, err)
		require.True(t, decision.Admitted)

		require.NoError(t, engine.Complete(decision.TaskId))
		assert.Equal(t, repository.ErrNotFound, engine.Complete(decision.TaskId))
	})
}

func TestEngine_HeartbeatUnknownLease(t *testing.T) {
	withEngine(t, func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository) {
		assert.Equal(t, repository.ErrNotFound, engine.Heartbeat("no-such-task"))
	})
}

func TestEngine_AdviceReflectsCapacity(t *testing.T) {
	withEngine(t, func(engine *Engine, clock *util.DummyClock, leases repository.LeaseRepository) {
		advice, err := engine.Advice()
		require.NoError(t, err)
		assert.Equal(t, 0.0, advice.CongestionScore)
		assert.Equal(t, 2, advice.SuggestedParallelism, "idle scheduler should suggest full capacity")
	})
}
