package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	leaseObjectPrefix = "Lease:"
	leaseExpiryKey    = "Lease:Expiry"
)

// LeaseRepository is the lease table. Completion and reclaim both arbitrate
// through atomic removal from the expiry set, so for any lease exactly one of
// the two ever mutates the owning model's counters.
type LeaseRepository interface {
	GetLease(taskId string) (*Lease, error)
	// Complete removes the lease and frees its in-flight slot. Returns
	// ErrNotFound if the lease was already completed or reclaimed.
	Complete(taskId string) error
	// Heartbeat extends the lease's expiry. Returns ErrNotFound if the lease
	// no longer exists, meaning its capacity was revoked.
	Heartbeat(taskId string, expiresAt time.Time) error
	// ExpireLeases removes every lease expired at deadline, crediting the
	// charged tokens and deficit back to the owning model. maxTokensByModel
	// bounds the token credit per model; leases owned by models absent from
	// the map have their credit dropped. Each lease is reclaimed at most
	// once, also under concurrent sweeps.
	ExpireLeases(deadline time.Time, maxTokensByModel map[string]float64) ([]*Lease, error)
	// CountLive returns the number of outstanding leases.
	CountLive() (int64, error)
}

// completeScript removes a lease. Removal from the expiry set is the
// arbitration point between complete and reclaim: whichever removes the
// member wins, the loser sees 0 and must not touch any counter.
const completeScript = `
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return {0, 0}
end
redis.call('DEL', KEYS[2])
local left = 0
if redis.call('EXISTS', KEYS[3]) == 1 then
	left = redis.call('HINCRBY', KEYS[3], 'inFlight', -1)
	if left < 0 then
		redis.call('HSET', KEYS[3], 'inFlight', 0)
	end
end
return {1, left}
`

const heartbeatScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`

// reclaimScript re-checks the expiry score before removing, so a heartbeat
// racing the sweep keeps the lease alive.
const reclaimScript = `
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
	return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
if redis.call('EXISTS', KEYS[3]) == 1 then
	local left = redis.call('HINCRBY', KEYS[3], 'inFlight', -1)
	if left < 0 then
		redis.call('HSET', KEYS[3], 'inFlight', 0)
	end
	if tonumber(ARGV[6]) == 1 then
		local tokens = redis.call('HINCRBYFLOAT', KEYS[3], 'tokens', ARGV[3])
		if tonumber(tokens) > tonumber(ARGV[5]) then
			redis.call('HSET', KEYS[3], 'tokens', ARGV[5])
		end
		redis.call('HINCRBYFLOAT', KEYS[3], 'deficit', ARGV[4])
	end
end
return 1
`

type RedisLeaseRepository struct {
	db redis.UniversalClient
}

func NewRedisLeaseRepository(db redis.UniversalClient) *RedisLeaseRepository {
	return &RedisLeaseRepository{db: db}
}

func (r *RedisLeaseRepository) GetLease(taskId string) (*Lease, error) {
	fields, err := r.db.HGetAll(leaseObjectPrefix + taskId).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	score, err := r.db.ZScore(leaseExpiryKey, taskId).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return parseLease(taskId, fields, score)
}

func (r *RedisLeaseRepository) Complete(taskId string) error {
	model, err := r.db.HGet(leaseObjectPrefix+taskId, "model").Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return errors.WithStack(err)
	}

	keys := []string{leaseExpiryKey, leaseObjectPrefix + taskId, modelStatePrefix + model}
	result, err := r.db.Eval(completeScript, keys, taskId).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	reply := result.([]interface{})
	if reply[0].(int64) == 0 {
		return ErrNotFound
	}
	if left := reply[1].(int64); left < 0 {
		// The invariant 0 <= inFlight should make this unreachable; the
		// script already clamped, so only log.
		log.WithField("model", model).Warnf("in-flight count went negative on completion of %s", taskId)
	}
	return nil
}

func (r *RedisLeaseRepository) Heartbeat(taskId string, expiresAt time.Time) error {
	keys := []string{leaseExpiryKey}
	result, err := r.db.Eval(heartbeatScript, keys, taskId, expiryScore(expiresAt)).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if result.(int64) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisLeaseRepository) ExpireLeases(deadline time.Time, maxTokensByModel map[string]float64) ([]*Lease, error) {
	deadlineScore := expiryScore(deadline)
	taskIds, err := r.db.ZRangeByScore(leaseExpiryKey, redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", deadlineScore),
	}).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var reclaimed []*Lease
	var errs error
	for _, taskId := range taskIds {
		lease, err := r.reclaim(taskId, deadlineScore, maxTokensByModel)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "reclaiming lease %s", taskId))
			continue
		}
		if lease != nil {
			reclaimed = append(reclaimed, lease)
		}
	}
	return reclaimed, errs
}

func (r *RedisLeaseRepository) reclaim(taskId string, deadlineScore float64, maxTokensByModel map[string]float64) (*Lease, error) {
	fields, err := r.db.HGetAll(leaseObjectPrefix + taskId).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		// Completed between the range read and here.
		return nil, nil
	}
	lease, err := parseLease(taskId, fields, deadlineScore)
	if err != nil {
		return nil, err
	}

	maxTokens, creditBack := maxTokensByModel[lease.Model]
	if !creditBack {
		log.WithField("model", lease.Model).Warnf("dropping credit for lease %s: model no longer configured", taskId)
	}

	keys := []string{leaseExpiryKey, leaseObjectPrefix + taskId, modelStatePrefix + lease.Model}
	result, err := r.db.Eval(reclaimScript, keys,
		taskId,
		deadlineScore,
		lease.ChargedTokens,
		lease.ChargedDeficit,
		maxTokens,
		boolToInt(creditBack),
	).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if result.(int64) == 0 {
		// Completed or heartbeated since; not ours to reclaim.
		return nil, nil
	}
	return lease, nil
}

func (r *RedisLeaseRepository) CountLive() (int64, error) {
	count, err := r.db.ZCard(leaseExpiryKey).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

func parseLease(taskId string, fields map[string]string, expiryScore float64) (*Lease, error) {
	chargedTokens, err := strconv.ParseFloat(fields["chargedTokens"], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid chargedTokens for lease %s", taskId)
	}
	chargedDeficit, err := strconv.ParseFloat(fields["chargedDeficit"], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid chargedDeficit for lease %s", taskId)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid created timestamp for lease %s", taskId)
	}
	return &Lease{
		TaskId:         taskId,
		Model:          fields["model"],
		ChargedTokens:  chargedTokens,
		ChargedDeficit: chargedDeficit,
		Created:        time.Unix(0, created),
		ExpiresAt:      time.Unix(0, int64(expiryScore*1e6)),
	}, nil
}

// expiryScore is the lease expiry as milliseconds since epoch, the score
// used in the expiry sorted set.
func expiryScore(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
