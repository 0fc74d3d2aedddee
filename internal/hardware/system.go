package hardware

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// SystemProvider queries the local host through gopsutil, with NVIDIA GPUs
// from NVML and CPU package power from RAPL when available.
type SystemProvider struct {
	gpus    GPUSource
	rapl    *raplMeter
	logger  logger.Logger
	skipGPU bool
	now     func() time.Time
}

// Option configures a SystemProvider
type Option func(*SystemProvider)

// WithLogger sets the provider's logger
func WithLogger(log logger.Logger) Option {
	return func(p *SystemProvider) {
		p.logger = log
	}
}

// WithGPUSource replaces NVML with another GPU source
func WithGPUSource(src GPUSource) Option {
	return func(p *SystemProvider) {
		p.gpus = src
	}
}

// WithoutGPU disables GPU discovery entirely
func WithoutGPU() Option {
	return func(p *SystemProvider) {
		p.skipGPU = true
	}
}

// WithRAPLPath points the CPU power meter at a different powercap zone
func WithRAPLPath(dir string) Option {
	return func(p *SystemProvider) {
		p.rapl = newRAPLMeter(dir)
	}
}

// NewSystemProvider builds a provider for the local host. A missing NVIDIA
// driver is not an error; the provider then reports no GPUs.
func NewSystemProvider(opts ...Option) *SystemProvider {
	p := &SystemProvider{
		rapl:   newRAPLMeter(defaultRAPLPath),
		logger: logger.Nop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.skipGPU {
		p.gpus = nil
	} else if p.gpus == nil {
		src, err := NewNVMLSource(p.logger)
		if err != nil {
			p.logger.Info().Err(err).Msg("NVIDIA GPUs unavailable, continuing without GPU data")
		} else {
			p.gpus = src
		}
	}

	return p
}

// Close releases the GPU source.
func (p *SystemProvider) Close() error {
	if p.gpus == nil {
		return nil
	}
	return p.gpus.Close()
}

func (p *SystemProvider) QueryHardware(ctx context.Context) (*HardwareSnapshot, error) {
	errFactory := errors.New()

	snapshot := &HardwareSnapshot{Timestamp: p.now()}

	cpuInfo, err := p.queryCPU(ctx)
	if err != nil {
		return nil, errFactory.Wrap(ErrHardwareQueryFailed, fmt.Errorf("cpu: %w", err))
	}
	snapshot.CPU = cpuInfo

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, errFactory.Wrap(ErrHardwareQueryFailed, fmt.Errorf("memory: %w", err))
	}
	snapshot.Memory = MemoryInfo{
		Total:       vm.Total,
		Available:   vm.Available,
		Used:        vm.Used,
		UsedPercent: vm.UsedPercent,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snapshot.Host = HostInfo{
			Hostname:        info.Hostname,
			OS:              info.OS,
			Platform:        info.Platform,
			PlatformVersion: info.PlatformVersion,
			KernelVersion:   info.KernelVersion,
			Arch:            info.KernelArch,
			Uptime:          time.Duration(info.Uptime) * time.Second,
		}
	} else {
		p.logger.Debug().Err(err).Msg("Failed to query host info")
	}

	snapshot.Storage = p.queryStorage(ctx)
	snapshot.Network = p.queryNetwork(ctx)

	if samples := p.sampleGPUs(ctx); len(samples) > 0 {
		snapshot.GPUs = make([]GPUInfo, 0, len(samples))
		for _, s := range samples {
			snapshot.GPUs = append(snapshot.GPUs, s.Info)
		}
	}

	return snapshot, nil
}

func (p *SystemProvider) queryCPU(ctx context.Context) (CPUInfo, error) {
	var info CPUInfo

	stats, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return info, err
	}
	if len(stats) > 0 {
		info.Vendor = stats[0].VendorID
		info.Model = stats[0].ModelName
		info.FrequencyMHz = stats[0].Mhz
	}

	if info.PhysicalCores, err = cpu.CountsWithContext(ctx, false); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to count physical cores")
	}
	if info.LogicalCores, err = cpu.CountsWithContext(ctx, true); err != nil {
		return info, err
	}

	// interval 0 compares against the previous call
	if usage, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(usage) > 0 {
		info.UsagePercent = usage[0]
	}

	return info, nil
}

func (p *SystemProvider) queryStorage(ctx context.Context) []StorageInfo {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to list partitions")
		return nil
	}

	var storage []StorageInfo
	for _, part := range partitions {
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		storage = append(storage, StorageInfo{
			Device:      part.Device,
			Mountpoint:  part.Mountpoint,
			FSType:      part.Fstype,
			Total:       usage.Total,
			Used:        usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}

	return storage
}

func (p *SystemProvider) queryNetwork(ctx context.Context) []NetworkInfo {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to list network interfaces")
		return nil
	}

	network := make([]NetworkInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		n := NetworkInfo{
			Name: iface.Name,
			MAC:  iface.HardwareAddr,
			MTU:  iface.MTU,
			Up:   slices.Contains(iface.Flags, "up"),
		}
		for _, addr := range iface.Addrs {
			n.Addresses = append(n.Addresses, addr.Addr)
		}
		network = append(network, n)
	}

	return network
}

func (p *SystemProvider) sampleGPUs(ctx context.Context) []GPUSample {
	if p.gpus == nil {
		return nil
	}
	samples, err := p.gpus.Sample(ctx)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to sample GPUs")
	}
	return samples
}

func (p *SystemProvider) QueryThermal(ctx context.Context) (*ThermalSnapshot, error) {
	errFactory := errors.New()

	snapshot := &ThermalSnapshot{Timestamp: p.now()}

	// gopsutil returns partial results together with warnings
	temps, sensorErr := host.SensorsTemperaturesWithContext(ctx)
	seen := make(map[string]int)
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		sensor := ThermalSensor{
			Name:        uniqueName(seen, t.SensorKey),
			Type:        classifySensor(t.SensorKey),
			Temperature: t.Temperature,
		}
		if t.High > 0 {
			sensor.High = Float(t.High)
		}
		if t.Critical > 0 {
			sensor.Critical = Float(t.Critical)
		}
		snapshot.Sensors = append(snapshot.Sensors, sensor)
	}

	for _, s := range p.sampleGPUs(ctx) {
		name := fmt.Sprintf("gpu%d", s.Info.Index)
		if s.Temperature != nil {
			snapshot.Sensors = append(snapshot.Sensors, ThermalSensor{
				Name:        uniqueName(seen, name),
				Type:        SensorGPU,
				Temperature: *s.Temperature,
			})
		}
		if s.FanPercent != nil {
			snapshot.Fans = append(snapshot.Fans, FanInfo{
				Name:         name + "_fan",
				SpeedPercent: *s.FanPercent,
			})
		}
	}

	if len(snapshot.Sensors) == 0 {
		if sensorErr != nil {
			return nil, errFactory.Wrap(ErrThermalQueryFailed, sensorErr)
		}
		return nil, errFactory.New(ErrNoSensors)
	}

	if sensorErr != nil {
		p.logger.Debug().Err(sensorErr).Int("sensors", len(snapshot.Sensors)).Msg("Partial sensor readings")
	}

	return snapshot, nil
}

func (p *SystemProvider) QueryPower(ctx context.Context) (*PowerSnapshot, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrPowerQueryFailed, err)
	}

	now := p.now()
	snapshot := &PowerSnapshot{Timestamp: now}

	if p.rapl != nil && p.rapl.Available() {
		watts, ok, err := p.rapl.Watts(now)
		switch {
		case err != nil:
			p.logger.Debug().Err(err).Msg("Failed to read CPU energy counter")
		case ok:
			snapshot.CPUPower = Float(watts)
		}
	}

	var gpuTotal float64
	var gpuKnown bool
	for _, s := range p.sampleGPUs(ctx) {
		if s.PowerWatts != nil {
			gpuTotal += *s.PowerWatts
			gpuKnown = true
		}
	}
	if gpuKnown {
		snapshot.GPUPower = Float(gpuTotal)
	}

	if snapshot.CPUPower != nil || snapshot.GPUPower != nil {
		var total float64
		if snapshot.CPUPower != nil {
			total += *snapshot.CPUPower
		}
		if snapshot.GPUPower != nil {
			total += *snapshot.GPUPower
		}
		snapshot.TotalPowerDraw = Float(total)
	}

	return snapshot, nil
}

// classifySensor maps a hwmon sensor key to a sensor type
func classifySensor(key string) string {
	k := strings.ToLower(key)
	switch {
	case containsAny(k, "coretemp", "k10temp", "zenpower", "cpu", "package", "tctl", "tdie"):
		return SensorCPU
	case containsAny(k, "amdgpu", "nouveau", "radeon", "gpu"):
		return SensorGPU
	case containsAny(k, "nvme", "drivetemp", "ssd"):
		return SensorStorage
	case containsAny(k, "acpitz", "pch", "thermal_zone", "board"):
		return SensorSystem
	default:
		return SensorOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// uniqueName suffixes repeated sensor keys so each history stays separate
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	if n := seen[name]; n > 1 {
		return fmt.Sprintf("%s#%d", name, n)
	}
	return name
}
