package repository

import (
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/modelgate/modelgate/pkg/api"
)

const (
	modelIndexKey     = "Model:Index"
	modelConfigPrefix = "Model:Config:"
	modelStatePrefix  = "Model:State:"
	lastRefillKey     = "Model:LastRefill"
	rotationKey       = "Model:Rotation"
)

const modelListCacheKey = "models"

type ModelRepository interface {
	UpsertModel(config *api.ModelConfig) error
	DeleteModel(name string) error
	GetModel(name string) (*api.ModelConfig, error)
	// GetModels returns all configured models sorted by name. Results may be
	// served from a short-lived cache; writes through this repository
	// invalidate it.
	GetModels() ([]*api.ModelConfig, error)
}

type RedisModelRepository struct {
	db    redis.UniversalClient
	cache *cache.Cache
}

func NewRedisModelRepository(db redis.UniversalClient, cacheTtl time.Duration) *RedisModelRepository {
	return &RedisModelRepository{
		db:    db,
		cache: cache.New(cacheTtl, 2*cacheTtl),
	}
}

// UpsertModel writes the model's configuration and initialises runtime state
// for new models. Existing runtime state is never overwritten, so updating a
// model's limits does not reset its deficit or in-flight accounting. The
// token balance of a new model starts at the full cap to allow an initial
// burst.
func (r *RedisModelRepository) UpsertModel(config *api.ModelConfig) error {
	pipe := r.db.TxPipeline()
	pipe.SAdd(modelIndexKey, config.Name)
	pipe.HMSet(modelConfigPrefix+config.Name, map[string]interface{}{
		"weight":             config.Weight,
		"maxConcurrent":      config.MaxConcurrent,
		"maxTokensPerMinute": config.MaxTokensPerMinute,
	})
	stateKey := modelStatePrefix + config.Name
	pipe.HSetNX(stateKey, "deficit", 0)
	pipe.HSetNX(stateKey, "tokens", config.MaxTokensPerMinute)
	pipe.HSetNX(stateKey, "inFlight", 0)
	pipe.HSetNX(stateKey, "idleRounds", 0)
	if _, err := pipe.Exec(); err != nil {
		return errors.WithStack(err)
	}
	r.cache.Delete(modelListCacheKey)
	return nil
}

func (r *RedisModelRepository) DeleteModel(name string) error {
	pipe := r.db.TxPipeline()
	pipe.SRem(modelIndexKey, name)
	pipe.Del(modelConfigPrefix + name)
	pipe.Del(modelStatePrefix + name)
	if _, err := pipe.Exec(); err != nil {
		return errors.WithStack(err)
	}
	r.cache.Delete(modelListCacheKey)
	return nil
}

func (r *RedisModelRepository) GetModel(name string) (*api.ModelConfig, error) {
	fields, err := r.db.HGetAll(modelConfigPrefix + name).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseModelConfig(name, fields)
}

func (r *RedisModelRepository) GetModels() ([]*api.ModelConfig, error) {
	if cached, ok := r.cache.Get(modelListCacheKey); ok {
		return cached.([]*api.ModelConfig), nil
	}

	names, err := r.db.SMembers(modelIndexKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	slices.Sort(names)

	pipe := r.db.Pipeline()
	cmds := make(map[string]*redis.StringStringMapCmd, len(names))
	for _, name := range names {
		cmds[name] = pipe.HGetAll(modelConfigPrefix + name)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}

	models := make([]*api.ModelConfig, 0, len(names))
	for _, name := range names {
		fields := cmds[name].Val()
		if len(fields) == 0 {
			// Model removed between the index read and the config read.
			continue
		}
		config, err := parseModelConfig(name, fields)
		if err != nil {
			return nil, err
		}
		models = append(models, config)
	}
	r.cache.SetDefault(modelListCacheKey, models)
	return models, nil
}

func parseModelConfig(name string, fields map[string]string) (*api.ModelConfig, error) {
	weight, err := strconv.ParseFloat(fields["weight"], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid weight for model %s", name)
	}
	maxConcurrent, err := strconv.ParseInt(fields["maxConcurrent"], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid maxConcurrent for model %s", name)
	}
	maxTokens, err := strconv.ParseFloat(fields["maxTokensPerMinute"], 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid maxTokensPerMinute for model %s", name)
	}
	return &api.ModelConfig{
		Name:               name,
		Weight:             weight,
		MaxConcurrent:      maxConcurrent,
		MaxTokensPerMinute: maxTokens,
	}, nil
}
