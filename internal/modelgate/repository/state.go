package repository

import (
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ErrStateConflict aborts an optimistic scheduling transaction whose
// snapshot was invalidated by a concurrent writer. It is retried internally.
var ErrStateConflict = errors.New("scheduling state changed concurrently")

// DecideFunc turns a consistent snapshot of all model state into the
// mutations to commit. Returning a nil update commits nothing.
type DecideFunc func(snapshot *SchedulerSnapshot) (*StateUpdate, error)

// StateRepository provides atomic read-modify-write over all per-model
// scheduling state. No caller ever observes a half-applied update.
type StateRepository interface {
	Update(decide DecideFunc) error
	GetStates() (map[string]ModelState, error)
}

type RedisStateRepository struct {
	db       redis.UniversalClient
	attempts uint
}

func NewRedisStateRepository(db redis.UniversalClient, attempts uint) *RedisStateRepository {
	if attempts == 0 {
		attempts = 20
	}
	return &RedisStateRepository{db: db, attempts: attempts}
}

// Update runs decide against a snapshot taken under WATCH and commits the
// returned mutations in a MULTI/EXEC transaction. If any watched key is
// written concurrently (including by the lease scripts, which touch the same
// state hashes), the transaction fails and is retried with a fresh snapshot,
// re-running decide so every admission guard is re-validated before commit.
func (r *RedisStateRepository) Update(decide DecideFunc) error {
	return retry.Do(
		func() error { return r.tryUpdate(decide) },
		retry.RetryIf(func(err error) bool {
			return err == redis.TxFailedErr || errors.Is(err, ErrStateConflict)
		}),
		retry.Attempts(r.attempts),
		retry.Delay(time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (r *RedisStateRepository) tryUpdate(decide DecideFunc) error {
	names, err := r.db.SMembers(modelIndexKey).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	slices.Sort(names)

	watched := make([]string, 0, len(names)+3)
	watched = append(watched, modelIndexKey, lastRefillKey, rotationKey)
	for _, name := range names {
		watched = append(watched, modelStatePrefix+name)
	}

	return r.db.Watch(func(tx *redis.Tx) error {
		snapshot, err := r.readSnapshot(tx, names)
		if err != nil {
			return err
		}

		update, err := decide(snapshot)
		if err != nil {
			return err
		}
		if update == nil {
			return nil
		}

		_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
			for name, state := range update.States {
				pipe.HMSet(modelStatePrefix+name, map[string]interface{}{
					"deficit":    state.Deficit,
					"tokens":     state.Tokens,
					"inFlight":   state.InFlight,
					"idleRounds": state.IdleRounds,
				})
			}
			pipe.Set(lastRefillKey, update.LastRefill.UnixNano(), 0)
			pipe.Set(rotationKey, update.Rotation, 0)
			if lease := update.Lease; lease != nil {
				pipe.HMSet(leaseObjectPrefix+lease.TaskId, map[string]interface{}{
					"model":          lease.Model,
					"chargedTokens":  lease.ChargedTokens,
					"chargedDeficit": lease.ChargedDeficit,
					"created":        lease.Created.UnixNano(),
				})
				pipe.ZAdd(leaseExpiryKey, redis.Z{
					Score:  float64(lease.ExpiresAt.UnixNano()) / 1e6,
					Member: lease.TaskId,
				})
			}
			return nil
		})
		return err
	}, watched...)
}

func (r *RedisStateRepository) readSnapshot(tx *redis.Tx, watchedNames []string) (*SchedulerSnapshot, error) {
	names, err := tx.SMembers(modelIndexKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	slices.Sort(names)
	if !slices.Equal(names, watchedNames) {
		// A model was added or removed after the watch list was built, so
		// its state key is not under WATCH. Start over.
		return nil, ErrStateConflict
	}

	snapshot := &SchedulerSnapshot{}
	for _, name := range names {
		configFields, err := tx.HGetAll(modelConfigPrefix + name).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(configFields) == 0 {
			return nil, ErrStateConflict
		}
		config, err := parseModelConfig(name, configFields)
		if err != nil {
			return nil, err
		}
		stateFields, err := tx.HGetAll(modelStatePrefix + name).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		state, err := parseModelState(name, stateFields)
		if err != nil {
			return nil, err
		}
		snapshot.Models = append(snapshot.Models, ModelEntry{
			Name:   name,
			Config: *config,
			State:  state,
		})
	}

	lastRefill, err := tx.Get(lastRefillKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	if err == nil {
		nanos, err := strconv.ParseInt(lastRefill, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid refill timestamp")
		}
		snapshot.LastRefill = time.Unix(0, nanos)
	}

	rotation, err := tx.Get(rotationKey).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	if err == nil {
		snapshot.Rotation, err = strconv.ParseInt(rotation, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid rotation counter")
		}
	}

	return snapshot, nil
}

func (r *RedisStateRepository) GetStates() (map[string]ModelState, error) {
	names, err := r.db.SMembers(modelIndexKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	pipe := r.db.Pipeline()
	cmds := make(map[string]*redis.StringStringMapCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.HGetAll(modelStatePrefix + name)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}

	states := make(map[string]ModelState, len(names))
	for _, name := range names {
		fields := cmds[name].Val()
		if len(fields) == 0 {
			continue
		}
		state, err := parseModelState(name, fields)
		if err != nil {
			return nil, err
		}
		states[name] = state
	}
	return states, nil
}

func parseModelState(name string, fields map[string]string) (ModelState, error) {
	state := ModelState{}
	var err error
	if v, ok := fields["deficit"]; ok {
		if state.Deficit, err = strconv.ParseFloat(v, 64); err != nil {
			return state, errors.Wrapf(err, "invalid deficit for model %s", name)
		}
	}
	if v, ok := fields["tokens"]; ok {
		if state.Tokens, err = strconv.ParseFloat(v, 64); err != nil {
			return state, errors.Wrapf(err, "invalid tokens for model %s", name)
		}
	}
	if v, ok := fields["inFlight"]; ok {
		if state.InFlight, err = strconv.ParseInt(v, 10, 64); err != nil {
			return state, errors.Wrapf(err, "invalid inFlight for model %s", name)
		}
	}
	if v, ok := fields["idleRounds"]; ok {
		if state.IdleRounds, err = strconv.ParseInt(v, 10, 64); err != nil {
			return state, errors.Wrapf(err, "invalid idleRounds for model %s", name)
		}
	}
	return state, nil
}
