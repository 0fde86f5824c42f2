package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/dig-os/digd/internal/logger"
)

const (
	defaultHistorySize = 60

	// Sentinel written when a sensor cannot be read. Policy treats a
	// degraded temperature as at-or-above the thermal limit.
	sentinelTemperature = -1
)

type collector struct {
	source      SensorSource
	history     []Sample
	historySize int
	mu          sync.RWMutex
}

// NewCollector wraps a sensor source with a bounded sample history.
func NewCollector(source SensorSource, historySize int) Collector {
	if historySize <= 0 {
		historySize = defaultHistorySize
	}

	return &collector{
		source:      source,
		history:     make([]Sample, 0, historySize),
		historySize: historySize,
	}
}

// Sample reads the sensors once and appends the result to the history,
// evicting the oldest entry when full. A failed read never fails the tick:
// the collector records a sentinel sample flagged as degraded instead.
func (c *collector) Sample(ctx context.Context) Sample {
	sample, err := c.source.Read(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Sensor read failed, recording degraded sample")
		sample = Sample{
			Timestamp:       time.Now(),
			GPUTemperatureC: sentinelTemperature,
			Degraded:        true,
		}
	}

	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.history = append(c.history, sample)
	if len(c.history) > c.historySize {
		c.history = c.history[1:]
	}
	c.mu.Unlock()

	return sample
}

func (c *collector) Latest() (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.history) == 0 {
		return Sample{}, false
	}

	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (c *collector) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Sample, len(c.history))
	copy(out, c.history)

	return out
}

func (c *collector) Close() error {
	return c.source.Close()
}
