package telemetry

import (
	"sync"
	"time"
)

// DepthProvider reports pending operations per named queue
type DepthProvider interface {
	QueueDepths() map[string]int
}

// MetricsCollector periodically samples queue depths into the QueueDepth gauge
type MetricsCollector struct {
	providers []DepthProvider
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, providers ...DepthProvider) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			mc.collect()
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	for _, p := range mc.providers {
		if p == nil {
			continue
		}
		for queue, depth := range p.QueueDepths() {
			QueueDepth.With(queue).Set(float64(depth))
		}
	}
}
