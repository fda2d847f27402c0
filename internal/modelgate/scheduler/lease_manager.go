package scheduler

import (
	log "github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/common/util"
	"github.com/modelgate/modelgate/internal/modelgate/metrics"
	"github.com/modelgate/modelgate/internal/modelgate/repository"
)

// LeaseManager is the reclaimer: a background sweep that removes expired
// leases and credits their capacity back so abandoned admissions do not leak
// slots or tokens. Reclaim is idempotent per lease; a second pass over an
// already-removed lease is a no-op.
type LeaseManager struct {
	leaseRepository repository.LeaseRepository
	modelRepository repository.ModelRepository
	clock           util.Clock
}

func NewLeaseManager(
	leaseRepository repository.LeaseRepository,
	modelRepository repository.ModelRepository,
	clock util.Clock,
) *LeaseManager {
	return &LeaseManager{
		leaseRepository: leaseRepository,
		modelRepository: modelRepository,
		clock:           clock,
	}
}

// ExpireLeases runs one sweep. Failures are logged, never propagated; the
// sweep loop must not crash, and whatever could not be reclaimed this pass is
// picked up by the next one.
func (l *LeaseManager) ExpireLeases() {
	models, err := l.modelRepository.GetModels()
	if err != nil {
		log.WithError(err).Error("lease sweep could not list models")
		return
	}
	maxTokensByModel := make(map[string]float64, len(models))
	for _, model := range models {
		maxTokensByModel[model.Name] = model.MaxTokensPerMinute
	}

	reclaimed, err := l.leaseRepository.ExpireLeases(l.clock.Now(), maxTokensByModel)
	if err != nil {
		log.WithError(err).Error("errors during lease sweep")
	}
	for _, lease := range reclaimed {
		metrics.RecordLeaseReclaimed(lease.Model)
		log.WithFields(log.Fields{
			"taskId":        lease.TaskId,
			"model":         lease.Model,
			"chargedTokens": lease.ChargedTokens,
		}).Info("reclaimed expired lease")
	}
}
