package metrics

import (
	"log/slog"
	"runtime"
	"time"
)

// HealthScorer supplies the rolling account health score
type HealthScorer interface {
	HealthScore() (int, error)
}

// RunnerCounter reports the number of active campaign runners
type RunnerCounter interface {
	ActiveCount() int
}

// Collector updates the system and domain gauges on an interval
type Collector struct {
	metrics   *Metrics
	health    HealthScorer
	runners   RunnerCounter
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	stopCh    chan struct{}
}

// NewCollector creates a collector. health and runners may be nil; the
// corresponding gauges are then left untouched.
func NewCollector(m *Metrics, health HealthScorer, runners RunnerCounter, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		health:    health,
		runners:   runners,
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the gauge update loop until Stop is called
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.update()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.update()
			}
		}
	}()
}

// Stop stops the update loop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) update() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.runners != nil {
		c.metrics.ActiveRunners.Set(float64(c.runners.ActiveCount()))
	}
	if c.health != nil {
		score, err := c.health.HealthScore()
		if err != nil {
			c.logger.Error("failed to compute health score", "error", err)
		} else {
			c.metrics.AccountHealthScore.Set(float64(score))
		}
	}
}
