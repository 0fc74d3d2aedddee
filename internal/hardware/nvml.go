package hardware

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}

// nvmlSource reads NVIDIA GPUs through NVML. It never changes device state.
type nvmlSource struct {
	mu            sync.Mutex
	initialized   bool
	driver        string
	driverVersion func() (string, nvml.Return)
	logger        logger.Logger
}

// NewNVMLSource initializes NVML. It fails when no NVIDIA driver is loaded.
func NewNVMLSource(log logger.Logger) (GPUSource, error) {
	errFactory := errors.New()

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrNVMLInitFailed, newNVMLError(ret))
	}

	s := &nvmlSource{
		initialized:   true,
		driverVersion: nvml.SystemGetDriverVersion,
		logger:        log,
	}
	s.refreshDriver()

	return s, nil
}

// refreshDriver rereads the driver version so an upgrade shows up in the
// next sample. The last known version is kept when the read fails.
func (s *nvmlSource) refreshDriver() {
	driver, ret := s.driverVersion()
	if !IsNVMLSuccess(ret) {
		s.logger.Debug().Msgf("Failed to get NVIDIA driver version: %s", nvml.ErrorString(ret))
		return
	}
	s.driver = driver
}

func (s *nvmlSource) Sample(ctx context.Context) ([]GPUSample, error) {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, errFactory.WithMessage(ErrNVMLInitFailed, "NVML is shut down")
	}

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceCountFailed, newNVMLError(ret))
	}
	s.refreshDriver()

	samples := make([]GPUSample, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		device, ret := nvml.DeviceGetHandleByIndex(i)
		if !IsNVMLSuccess(ret) {
			return samples, errFactory.WithData(ErrDeviceNotFound, fmt.Sprintf("index %d: %s", i, nvml.ErrorString(ret)))
		}

		samples = append(samples, s.sampleDevice(i, device))
	}

	return samples, nil
}

// sampleDevice collects what the device exposes; unsupported queries are skipped
func (s *nvmlSource) sampleDevice(index int, device nvml.Device) GPUSample {
	sample := GPUSample{
		Info: GPUInfo{
			Index:  index,
			Vendor: "NVIDIA",
			Driver: s.driver,
		},
	}

	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		sample.Info.Name = name
	}
	if uuid, ret := device.GetUUID(); IsNVMLSuccess(ret) {
		sample.Info.UUID = uuid
	}
	if mem, ret := device.GetMemoryInfo(); IsNVMLSuccess(ret) {
		sample.Info.MemoryTotal = mem.Total
		sample.Info.MemoryUsed = mem.Used
	}
	if util, ret := device.GetUtilizationRates(); IsNVMLSuccess(ret) {
		sample.Info.Utilization = float64(util.Gpu)
	}

	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); IsNVMLSuccess(ret) {
		sample.Temperature = Float(float64(temp))
	} else {
		s.logger.Debug().Msgf("Failed to get GPU %d temperature: %s", index, nvml.ErrorString(ret))
	}

	if power, ret := device.GetPowerUsage(); IsNVMLSuccess(ret) {
		sample.PowerWatts = Float(float64(power) / milliWattsToWatts)
	}

	if speed, ret := device.GetFanSpeed(); IsNVMLSuccess(ret) {
		sample.FanPercent = Float(float64(speed))
	}

	return sample
}

func (s *nvmlSource) Close() error {
	errFactory := errors.New()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrNVMLShutdownFailed, newNVMLError(ret))
	}

	s.initialized = false

	return nil
}
