package telemetry

import (
	"context"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}

	return &nvmlError{ret: ret}
}

type nvmlSource struct {
	device nvml.Device
	cpu    *cpuLoadReader
}

// NewNVMLSource initializes NVML and binds to the first GPU. Callers fall
// back to the synthetic source when initialization fails.
func NewNVMLSource() (SensorSource, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errFactory.Wrap(ErrSensorInit, newNVMLError(ret))
	}

	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		nvml.Shutdown()
		return nil, errFactory.Wrap(ErrSensorInit, newNVMLError(ret))
	}

	if name, ret := device.GetName(); ret == nvml.SUCCESS {
		logger.Info().Msgf("Detected GPU: %v", name)
	} else {
		logger.Warn().Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
	}

	return &nvmlSource{
		device: device,
		cpu:    newCPULoadReader(),
	}, nil
}

func (s *nvmlSource) Read(ctx context.Context) (Sample, error) {
	type result struct {
		sample Sample
		err    error
	}

	done := make(chan result, 1)
	go func() {
		sample, err := s.read()
		done <- result{sample: sample, err: err}
	}()

	select {
	case <-ctx.Done():
		return Sample{}, errors.New().Wrap(ErrSensorRead, ctx.Err())
	case res := <-done:
		return res.sample, res.err
	}
}

func (s *nvmlSource) read() (Sample, error) {
	errFactory := errors.New()

	temp, ret := s.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return Sample{}, errFactory.Wrap(ErrSensorRead, newNVMLError(ret))
	}

	util, ret := s.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return Sample{}, errFactory.Wrap(ErrSensorRead, newNVMLError(ret))
	}

	power, ret := s.device.GetPowerUsage()
	if ret != nvml.SUCCESS {
		return Sample{}, errFactory.Wrap(ErrSensorRead, newNVMLError(ret))
	}

	cpuLoad := s.cpu.Load()
	gpuLoad := float64(util.Gpu)

	return Sample{
		GPUTemperatureC:   float64(temp),
		CPULoadPct:        cpuLoad,
		GPUUtilizationPct: gpuLoad,
		PowerDrawW:        float64(power) / milliWattsToWatts,
		NetLatencyMs:      estimateLatency(cpuLoad, gpuLoad),
	}, nil
}

func (s *nvmlSource) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return errors.New().Wrap(ErrSensorShutdown, newNVMLError(ret))
	}

	return nil
}

const milliWattsToWatts = 1000
