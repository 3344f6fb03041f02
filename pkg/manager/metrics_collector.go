package manager

import (
	"time"

	"github.com/cuemby/labfleet/pkg/metrics"
	"github.com/cuemby/labfleet/pkg/storage"
	"github.com/cuemby/labfleet/pkg/types"
)

// gaugeCollector periodically exports fleet-level gauges from the store
type gaugeCollector struct {
	store  storage.Store
	stopCh chan struct{}
}

func newGaugeCollector(store storage.Store) *gaugeCollector {
	return &gaugeCollector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins the export loop
func (c *gaugeCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the export loop
func (c *gaugeCollector) Stop() {
	close(c.stopCh)
}

func (c *gaugeCollector) collect() {
	workers, err := c.store.ListWorkers()
	if err != nil {
		return
	}

	statusCounts := make(map[types.WorkerStatus]int)
	available := 0
	labsTotal := 0
	for _, w := range workers {
		statusCounts[w.Status]++
		if w.ServiceStatus == types.ServiceStatusAvailable {
			available++
		}
		if !w.IsTerminated() {
			labsTotal += w.LabsCount
		}
	}

	for _, status := range []types.WorkerStatus{
		types.WorkerStatusPending, types.WorkerStatusRunning,
		types.WorkerStatusStopping, types.WorkerStatusStopped,
		types.WorkerStatusShuttingDown, types.WorkerStatusTerminated,
		types.WorkerStatusUnknown,
	} {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
	metrics.WorkersServiceAvailable.Set(float64(available))
	metrics.LabsTotal.Set(float64(labsTotal))
}
