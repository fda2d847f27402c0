package repository

import (
	"time"

	"github.com/pkg/errors"

	"github.com/modelgate/modelgate/pkg/api"
)

// ErrNotFound is returned by lease operations when the lease handle is
// unknown, already completed, or already reclaimed.
var ErrNotFound = errors.New("not found")

// ModelState is the mutable per-model scheduling state.
type ModelState struct {
	// Fair-share credit accumulated by weight each round and spent on
	// admission.
	Deficit float64
	// Token-bucket balance in [0, maxTokensPerMinute].
	Tokens float64
	// Admitted, not-yet-completed units of work.
	InFlight int64
	// Consecutive scheduling rounds in which this model was not selected.
	// Drives the age bonus.
	IdleRounds int64
}

// ModelEntry pairs a model's configuration with its runtime state.
type ModelEntry struct {
	Name   string
	Config api.ModelConfig
	State  ModelState
}

// SchedulerSnapshot is a consistent read of everything a scheduling decision
// needs. Models are sorted by name so scan order is stable across processes.
type SchedulerSnapshot struct {
	Models []ModelEntry
	// Process-wide refill timestamp, shared across models so refill
	// arithmetic stays consistent.
	LastRefill time.Time
	// Monotonic counter rotating the scan starting point.
	Rotation int64
}

// StateUpdate is the set of mutations a scheduling decision commits
// atomically with its snapshot.
type StateUpdate struct {
	States     map[string]ModelState
	LastRefill time.Time
	Rotation   int64
	// Lease to create together with the state mutations, nil on a Wait
	// outcome.
	Lease *Lease
}

// Lease is one admitted, not-yet-completed unit of work. The charged amounts
// are recorded exactly so reclaim can reverse the debit.
type Lease struct {
	TaskId         string
	Model          string
	ChargedTokens  float64
	ChargedDeficit float64
	Created        time.Time
	ExpiresAt      time.Time
}
