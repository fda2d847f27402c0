package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type task struct {
	run      func()
	interval time.Duration
	name     string
	stop     chan struct{}
}

// BackgroundTaskManager runs registered functions on a fixed interval and
// records their latency. Register and StopAll are not threadsafe; call them
// from the startup goroutine only.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	wg            sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string) *BackgroundTaskManager {
	return &BackgroundTaskManager{metricsPrefix: metricsPrefix}
}

// Register starts running fn immediately and then every interval until StopAll.
func (m *BackgroundTaskManager) Register(fn func(), interval time.Duration, name string) {
	t := &task{
		run:      fn,
		interval: interval,
		name:     name,
		stop:     make(chan struct{}),
	}
	m.start(t)
	m.tasks = append(m.tasks, t)
}

// StopAll signals all tasks to stop and waits up to timeout for in-progress
// runs to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	for _, t := range m.tasks {
		close(t.stop)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) start(t *task) {
	latency := promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    m.metricsPrefix + t.name + "_latency_seconds",
		Help:    "Background loop " + t.name + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})

	runOnce := func() {
		start := time.Now()
		t.run()
		latency.Observe(time.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runOnce()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runOnce()
			case <-t.stop:
				return
			}
		}
	}()
}
