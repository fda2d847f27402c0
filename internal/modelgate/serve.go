package modelgate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/common/health"
	"github.com/modelgate/modelgate/internal/common/task"
	"github.com/modelgate/modelgate/internal/common/util"
	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/internal/modelgate/metrics"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
	"github.com/modelgate/modelgate/internal/modelgate/scheduler"
	"github.com/modelgate/modelgate/internal/modelgate/server"
)

const modelConfigCacheTtl = 2 * time.Second

// Serve wires up the scheduler and starts serving. It returns a shutdown
// function that drains the HTTP server and stops the background sweeps.
func Serve(config *configuration.ModelgateConfig, healthChecks *health.MultiChecker) (func(), error) {
	log.Info("modelgate starting")

	db := redis.NewUniversalClient(&config.Redis)
	healthChecks.Add(repository.NewRedisHealth(db))

	modelRepository := repository.NewRedisModelRepository(db, modelConfigCacheTtl)
	stateRepository := repository.NewRedisStateRepository(db, config.Scheduling.TxRetries)
	leaseRepository := repository.NewRedisLeaseRepository(db)

	if err := seedModels(modelRepository, config.Models); err != nil {
		return nil, err
	}

	clock := &util.DefaultClock{}
	advisor := scheduler.NewAdvisor(config.Scheduling.Advisor, clock)
	engine := scheduler.New(
		config.Scheduling,
		stateRepository,
		leaseRepository,
		modelRepository,
		advisor,
		clock,
		util.NewThreadsafeRand(time.Now().UnixNano()),
	)
	leaseManager := scheduler.NewLeaseManager(leaseRepository, modelRepository, clock)

	metrics.ExposeSchedulerMetrics(modelRepository, stateRepository, leaseRepository, engine)

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	taskManager.Register(leaseManager.ExpireLeases, config.Scheduling.ReclaimInterval, "lease_expiry")
	taskManager.Register(advisor.Prune, config.Scheduling.Advisor.Window, "advisor_prune")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(server.RequestId(), server.RequestLogger(), gin.Recovery())
	router.GET("/health", gin.WrapH(health.NewHealthCheckHttpHandler(healthChecks)))
	server.NewSchedulerServer(engine, modelRepository).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.HttpPort),
		Handler: router,
	}
	go func() {
		log.Infof("scheduler api listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("scheduler api server failed")
		}
	}()

	return func() {
		log.Info("modelgate shutting down")
		if err := srv.Close(); err != nil {
			log.WithError(err).Error("failed to close scheduler api server")
		}
		if timedOut := taskManager.StopAll(10 * time.Second); timedOut {
			log.Warn("background tasks did not stop within timeout")
		}
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close redis client")
		}
	}, nil
}

// seedModels writes configured models that are not yet in the store. Models
// already present are left untouched so runtime edits survive restarts.
func seedModels(modelRepository repository.ModelRepository, models map[string]configuration.ModelConfig) error {
	for name, model := range models {
		_, err := modelRepository.GetModel(name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return errors.Wrapf(err, "seeding model %s", name)
		}
		if err := modelRepository.UpsertModel(model.ToApi(name)); err != nil {
			return errors.Wrapf(err, "seeding model %s", name)
		}
		log.WithField("model", name).Info("seeded model from configuration")
	}
	return nil
}
