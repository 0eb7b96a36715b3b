package metrics

import (
	"context"
	"time"

	"github.com/nexushq/nexus/pkg/session"
	"github.com/nexushq/nexus/pkg/storage"
	"github.com/nexushq/nexus/pkg/types"
)

var taskStatuses = []types.TaskStatus{
	types.TaskStatusQueued,
	types.TaskStatusInProgress,
	types.TaskStatusPartiallyCompleted,
	types.TaskStatusCompleted,
	types.TaskStatusFailed,
	types.TaskStatusCancelling,
	types.TaskStatusCancelled,
}

// Collector periodically samples store-backed gauges: task counts by
// status and the live session count.
type Collector struct {
	store     storage.Store
	transfers *storage.TransferStore
	sessions  *session.Manager
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a metrics collector over the given stores.
func NewCollector(store storage.Store, transfers *storage.TransferStore, sessions *session.Manager) *Collector {
	return &Collector{
		store:     store,
		transfers: transfers,
		sessions:  sessions,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectBatchMetrics()
	c.collectTransferMetrics()
	c.collectSessionMetrics()
}

func (c *Collector) collectBatchMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountBatchTasksByStatus(ctx)
	if err != nil {
		return
	}
	for _, status := range taskStatuses {
		BatchTasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectTransferMetrics() {
	counts := c.transfers.CountByStatus()
	for _, status := range taskStatuses {
		TransferTasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectSessionMetrics() {
	n, err := c.sessions.Count()
	if err != nil {
		return
	}
	ActiveSessions.Set(float64(n))
}
