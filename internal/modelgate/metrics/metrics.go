package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/modelgate/modelgate/internal/modelgate/repository"
	"github.com/modelgate/modelgate/pkg/api"
)

const MetricPrefix = "modelgate_"

var scheduleOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "schedule_outcomes_total",
		Help: "Schedule call outcomes by result",
	},
	[]string{"outcome"},
)

var waitHints = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "wait_hint_seconds",
		Help:    "Wait hints returned to callers in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	},
)

var reclaimedLeases = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "reclaimed_leases_total",
		Help: "Leases reclaimed after their heartbeat lapsed",
	},
	[]string{"model"},
)

func RecordScheduleOutcome(admitted bool, wait time.Duration) {
	if admitted {
		scheduleOutcomes.WithLabelValues("admit").Inc()
		return
	}
	scheduleOutcomes.WithLabelValues("wait").Inc()
	waitHints.Observe(wait.Seconds())
}

func RecordLeaseReclaimed(model string) {
	reclaimedLeases.WithLabelValues(model).Inc()
}

// AdviceProvider is implemented by the engine.
type AdviceProvider interface {
	Advice() (*api.Advice, error)
}

// ExposeSchedulerMetrics registers a collector reading live scheduler state
// from the repositories on every scrape.
func ExposeSchedulerMetrics(
	modelRepository repository.ModelRepository,
	stateRepository repository.StateRepository,
	leaseRepository repository.LeaseRepository,
	adviceProvider AdviceProvider,
) *SchedulerCollector {
	collector := &SchedulerCollector{
		modelRepository: modelRepository,
		stateRepository: stateRepository,
		leaseRepository: leaseRepository,
		adviceProvider:  adviceProvider,
	}
	prometheus.MustRegister(collector)
	return collector
}

type SchedulerCollector struct {
	modelRepository repository.ModelRepository
	stateRepository repository.StateRepository
	leaseRepository repository.LeaseRepository
	adviceProvider  AdviceProvider
}

var (
	tokensDesc = prometheus.NewDesc(
		MetricPrefix+"model_tokens",
		"Current token-bucket balance of a model",
		[]string{"model"}, nil,
	)
	deficitDesc = prometheus.NewDesc(
		MetricPrefix+"model_deficit",
		"Current fair-share deficit of a model",
		[]string{"model"}, nil,
	)
	inFlightDesc = prometheus.NewDesc(
		MetricPrefix+"model_in_flight",
		"Admitted, not-yet-completed units of work for a model",
		[]string{"model"}, nil,
	)
	maxConcurrentDesc = prometheus.NewDesc(
		MetricPrefix+"model_max_concurrent",
		"Concurrency cap of a model",
		[]string{"model"}, nil,
	)
	maxTokensDesc = prometheus.NewDesc(
		MetricPrefix+"model_max_tokens_per_minute",
		"Token refill cap of a model",
		[]string{"model"}, nil,
	)
	liveLeasesDesc = prometheus.NewDesc(
		MetricPrefix+"live_leases",
		"Number of outstanding leases",
		nil, nil,
	)
	congestionDesc = prometheus.NewDesc(
		MetricPrefix+"congestion_score",
		"Backpressure congestion score in [0,1]",
		nil, nil,
	)
	suggestedParallelismDesc = prometheus.NewDesc(
		MetricPrefix+"suggested_parallelism",
		"Recommended caller concurrency",
		nil, nil,
	)
)

func (c *SchedulerCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- tokensDesc
	desc <- deficitDesc
	desc <- inFlightDesc
	desc <- maxConcurrentDesc
	desc <- maxTokensDesc
	desc <- liveLeasesDesc
	desc <- congestionDesc
	desc <- suggestedParallelismDesc
}

func (c *SchedulerCollector) Collect(metrics chan<- prometheus.Metric) {
	models, err := c.modelRepository.GetModels()
	if err != nil {
		log.WithError(err).Error("failed to collect model metrics")
		return
	}
	states, err := c.stateRepository.GetStates()
	if err != nil {
		log.WithError(err).Error("failed to collect state metrics")
		return
	}

	for _, model := range models {
		metrics <- prometheus.MustNewConstMetric(
			maxConcurrentDesc, prometheus.GaugeValue, float64(model.MaxConcurrent), model.Name)
		metrics <- prometheus.MustNewConstMetric(
			maxTokensDesc, prometheus.GaugeValue, model.MaxTokensPerMinute, model.Name)
		state, ok := states[model.Name]
		if !ok {
			continue
		}
		metrics <- prometheus.MustNewConstMetric(
			tokensDesc, prometheus.GaugeValue, state.Tokens, model.Name)
		metrics <- prometheus.MustNewConstMetric(
			deficitDesc, prometheus.GaugeValue, state.Deficit, model.Name)
		metrics <- prometheus.MustNewConstMetric(
			inFlightDesc, prometheus.GaugeValue, float64(state.InFlight), model.Name)
	}

	if live, err := c.leaseRepository.CountLive(); err == nil {
		metrics <- prometheus.MustNewConstMetric(liveLeasesDesc, prometheus.GaugeValue, float64(live))
	} else {
		log.WithError(err).Error("failed to collect lease metrics")
	}

	if advice, err := c.adviceProvider.Advice(); err == nil {
		metrics <- prometheus.MustNewConstMetric(congestionDesc, prometheus.GaugeValue, advice.CongestionScore)
		metrics <- prometheus.MustNewConstMetric(
			suggestedParallelismDesc, prometheus.GaugeValue, float64(advice.SuggestedParallelism))
	} else {
		log.WithError(err).Error("failed to collect advisory metrics")
	}
}
