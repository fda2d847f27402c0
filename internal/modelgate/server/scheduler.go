package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/modelgate/configuration"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
	"github.com/modelgate/modelgate/internal/modelgate/scheduler"
	"github.com/modelgate/modelgate/pkg/api"
)

// SchedulerServer exposes the admission engine over HTTP/JSON. One call, one
// decision; the orchestrator drives its own retry loop off the wait hints.
type SchedulerServer struct {
	engine          *scheduler.Engine
	modelRepository repository.ModelRepository
}

func NewSchedulerServer(engine *scheduler.Engine, modelRepository repository.ModelRepository) *SchedulerServer {
	return &SchedulerServer{
		engine:          engine,
		modelRepository: modelRepository,
	}
}

func (s *SchedulerServer) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	v1.POST("/schedule", s.Schedule)
	v1.POST("/complete", s.Complete)
	v1.POST("/heartbeat", s.Heartbeat)
	v1.GET("/advice", s.Advice)

	v1.GET("/models", s.ListModels)
	v1.GET("/models/:name", s.GetModel)
	v1.PUT("/models/:name", s.UpsertModel)
	v1.DELETE("/models/:name", s.DeleteModel)

	v1.GET("/config", s.GetConfig)
	v1.PUT("/config", s.UpdateConfig)
}

func (s *SchedulerServer) Schedule(c *gin.Context) {
	var request api.ScheduleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := s.engine.Schedule(request.EstimatedSize)
	if err == scheduler.ErrInvalidSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.WithError(err).Error("schedule failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule failed"})
		return
	}

	response := api.ScheduleResponse{}
	if decision.Admitted {
		response.Admit = &api.Admission{ModelId: decision.Model, TaskId: decision.TaskId}
	} else {
		response.Wait = &api.WaitHint{WaitMs: decision.Wait.Milliseconds()}
	}
	c.JSON(http.StatusOK, response)
}

func (s *SchedulerServer) Complete(c *gin.Context) {
	taskId, ok := bindTaskRequest(c)
	if !ok {
		return
	}
	err := s.engine.Complete(taskId)
	if errors.Is(err, repository.ErrNotFound) {
		// Already reclaimed, double completion, or an unknown handle.
		// Non-fatal for the caller, but worth a line in the log.
		log.WithField("taskId", taskId).Info("completion for unknown lease")
		c.JSON(http.StatusOK, api.Ack{Ok: false, Reason: api.ReasonNotFound})
		return
	}
	if err != nil {
		log.WithError(err).Error("complete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "complete failed"})
		return
	}
	c.JSON(http.StatusOK, api.Ack{Ok: true})
}

func (s *SchedulerServer) Heartbeat(c *gin.Context) {
	taskId, ok := bindTaskRequest(c)
	if !ok {
		return
	}
	err := s.engine.Heartbeat(taskId)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusOK, api.Ack{Ok: false, Reason: api.ReasonNotFound})
		return
	}
	if err != nil {
		log.WithError(err).Error("heartbeat failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}
	c.JSON(http.StatusOK, api.Ack{Ok: true})
}

func (s *SchedulerServer) Advice(c *gin.Context) {
	advice, err := s.engine.Advice()
	if err != nil {
		log.WithError(err).Error("advice failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "advice failed"})
		return
	}
	c.JSON(http.StatusOK, advice)
}

func (s *SchedulerServer) ListModels(c *gin.Context) {
	models, err := s.modelRepository.GetModels()
	if err != nil {
		log.WithError(err).Error("listing models failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing models failed"})
		return
	}
	c.JSON(http.StatusOK, models)
}

func (s *SchedulerServer) GetModel(c *gin.Context) {
	model, err := s.modelRepository.GetModel(c.Param("name"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("getting model failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "getting model failed"})
		return
	}
	c.JSON(http.StatusOK, model)
}

func (s *SchedulerServer) UpsertModel(c *gin.Context) {
	var config api.ModelConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	config.Name = c.Param("name")
	if err := validateModelConfig(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.modelRepository.UpsertModel(&config); err != nil {
		log.WithError(err).Error("upserting model failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upserting model failed"})
		return
	}
	c.JSON(http.StatusOK, config)
}

func (s *SchedulerServer) DeleteModel(c *gin.Context) {
	if err := s.modelRepository.DeleteModel(c.Param("name")); err != nil {
		log.WithError(err).Error("deleting model failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deleting model failed"})
		return
	}
	c.JSON(http.StatusOK, api.Ack{Ok: true})
}

func (s *SchedulerServer) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.SchedulingConfig())
}

// UpdateConfig replaces the global scheduling knobs. Durations are JSON
// numbers in nanoseconds, mirroring GetConfig output.
func (s *SchedulerServer) UpdateConfig(c *gin.Context) {
	var config configuration.SchedulingConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validateSchedulingConfig(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.engine.SetSchedulingConfig(config)
	c.JSON(http.StatusOK, config)
}

func bindTaskRequest(c *gin.Context) (string, bool) {
	var request api.TaskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	if request.TaskId == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return "", false
	}
	return request.TaskId, true
}

func validateModelConfig(config *api.ModelConfig) error {
	if config.Weight <= 0 {
		return errors.New("weight must be positive")
	}
	if config.MaxConcurrent <= 0 {
		return errors.New("maxConcurrent must be positive")
	}
	if config.MaxTokensPerMinute <= 0 {
		return errors.New("maxTokensPerMinute must be positive")
	}
	return nil
}

func validateSchedulingConfig(config *configuration.SchedulingConfig) error {
	if config.LeaseTtl <= 0 {
		return errors.New("leaseTtl must be positive")
	}
	if config.ReclaimInterval <= 0 {
		return errors.New("reclaimInterval must be positive")
	}
	if config.JitterFraction < 0 || config.JitterFraction >= 1 {
		return errors.New("jitterFraction must be in [0,1)")
	}
	return nil
}
