package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/eventcast/internal/models"
)

// JobStatsProvider reports job counts per status
type JobStatsProvider interface {
	CountByStatus(ctx context.Context, eventID string) (map[models.JobStatus]int, error)
}

// Collector refreshes gauges that are read from the store or the runtime
type Collector struct {
	metrics   *Metrics
	jobs      JobStatsProvider
	interval  time.Duration
	startTime time.Time
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector; jobs may be nil
func NewCollector(m *Metrics, jobs JobStatsProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		jobs:      jobs,
		interval:  interval,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics.collector"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background refresh loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the refresh loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect refreshes all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.jobs == nil {
		return
	}

	counts, err := c.jobs.CountByStatus(ctx, "")
	if err != nil {
		c.logger.Warn("failed to count jobs", "error", err)
		return
	}

	c.metrics.JobsByStatus.Reset()
	for status, n := range counts {
		c.metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
