package telemetry

import (
	"context"
	"math"
	"time"
)

const (
	syntheticMinGPUTempC = 38.0
	syntheticMaxGPUTempC = 92.0
	syntheticWavePeriod  = 11 * time.Second
)

// syntheticSource fabricates plausible GPU readings correlated with the
// measured CPU load. It stands in for NVML on hosts without a supported GPU
// so the policy loop keeps running end to end.
type syntheticSource struct {
	cpu *cpuLoadReader
	now func() time.Time
}

func NewSyntheticSource() SensorSource {
	return &syntheticSource{
		cpu: newCPULoadReader(),
		now: time.Now,
	}
}

func (s *syntheticSource) Read(_ context.Context) (Sample, error) {
	cpuLoad := s.cpu.Load()

	phase := float64(s.now().UnixNano()%int64(syntheticWavePeriod)) / float64(syntheticWavePeriod)
	wave := math.Sin(phase * 2 * math.Pi)

	gpuLoad := clampFloat(cpuLoad*0.75+wave*15+40, 5, 99)
	gpuTemp := syntheticMinGPUTempC + (syntheticMaxGPUTempC-syntheticMinGPUTempC)*(gpuLoad/100)

	return Sample{
		Timestamp:         s.now(),
		GPUTemperatureC:   gpuTemp,
		CPULoadPct:        cpuLoad,
		GPUUtilizationPct: gpuLoad,
		PowerDrawW:        60 + gpuLoad*2.4,
		NetLatencyMs:      estimateLatency(cpuLoad, gpuLoad),
	}, nil
}

func (s *syntheticSource) Close() error {
	return nil
}

func estimateLatency(cpuLoad, gpuLoad float64) float64 {
	return clampFloat(12+cpuLoad*0.18+gpuLoad*0.22, 8, 190)
}

func clampFloat(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
