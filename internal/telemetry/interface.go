package telemetry

import (
	"context"
	"time"
)

// Sample is a single immutable reading of the hardware sensors. Degraded
// marks a tick where one or more sensors could not be read; consumers must
// treat degraded readings as worst-case for safety decisions.
type Sample struct {
	Timestamp         time.Time
	GPUTemperatureC   float64
	CPULoadPct        float64
	GPUUtilizationPct float64
	PowerDrawW        float64
	NetLatencyMs      float64
	Degraded          bool
}

// SensorSource reads the raw hardware sensors. Read must honor the context
// deadline; a source that cannot produce a reading returns an error and the
// collector substitutes a degraded sentinel sample.
type SensorSource interface {
	Read(ctx context.Context) (Sample, error)
	Close() error
}

// Collector produces samples on demand and retains a bounded history.
type Collector interface {
	Sample(ctx context.Context) Sample
	Latest() (Sample, bool)
	History() []Sample
	Close() error
}
