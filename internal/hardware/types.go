package hardware

import (
	"slices"
	"time"
)

// HardwareSnapshot is a point-in-time inventory of the host.
type HardwareSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Host      HostInfo      `json:"host"`
	CPU       CPUInfo       `json:"cpu"`
	Memory    MemoryInfo    `json:"memory"`
	GPUs      []GPUInfo     `json:"gpus,omitempty"`
	Storage   []StorageInfo `json:"storage,omitempty"`
	Network   []NetworkInfo `json:"network,omitempty"`
}

type HostInfo struct {
	Hostname        string        `json:"hostname"`
	OS              string        `json:"os"`
	Platform        string        `json:"platform"`
	PlatformVersion string        `json:"platform_version"`
	KernelVersion   string        `json:"kernel_version"`
	Arch            string        `json:"arch"`
	Uptime          time.Duration `json:"uptime"`
}

type CPUInfo struct {
	Vendor        string  `json:"vendor"`
	Model         string  `json:"model"`
	PhysicalCores int     `json:"physical_cores"`
	LogicalCores  int     `json:"logical_cores"`
	FrequencyMHz  float64 `json:"frequency_mhz"`
	UsagePercent  float64 `json:"usage_percent"`
}

type MemoryInfo struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

type GPUInfo struct {
	Index       int     `json:"index"`
	UUID        string  `json:"uuid"`
	Name        string  `json:"name"`
	Vendor      string  `json:"vendor"`
	Driver      string  `json:"driver"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`
	Utilization float64 `json:"utilization"`
}

type StorageInfo struct {
	Device      string  `json:"device"`
	Mountpoint  string  `json:"mountpoint"`
	FSType      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

type NetworkInfo struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac"`
	Addresses []string `json:"addresses,omitempty"`
	MTU       int      `json:"mtu"`
	Up        bool     `json:"up"`
}

// Clone returns a deep copy of the snapshot.
func (s *HardwareSnapshot) Clone() *HardwareSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.GPUs = slices.Clone(s.GPUs)
	c.Storage = slices.Clone(s.Storage)
	c.Network = slices.Clone(s.Network)
	for i := range c.Network {
		c.Network[i].Addresses = slices.Clone(c.Network[i].Addresses)
	}
	return &c
}

// Sensor types reported in ThermalSensor.Type
const (
	SensorCPU     = "cpu"
	SensorGPU     = "gpu"
	SensorStorage = "storage"
	SensorSystem  = "system"
	SensorOther   = "other"
)

// defaultCriticalTemperature applies to sensors that do not report their own limit
const defaultCriticalTemperature = 90.0

// ThermalSnapshot holds the temperature sensor and fan readings of one query.
type ThermalSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Sensors   []ThermalSensor `json:"sensors"`
	Fans      []FanInfo       `json:"fans,omitempty"`
}

type ThermalSensor struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Temperature float64  `json:"temperature"`
	High        *float64 `json:"high,omitempty"`
	Critical    *float64 `json:"critical,omitempty"`
}

type FanInfo struct {
	Name         string  `json:"name"`
	SpeedPercent float64 `json:"speed_percent"`
}

// MaxTemperature returns the hottest sensor reading.
func (s *ThermalSnapshot) MaxTemperature() (float64, bool) {
	if s == nil || len(s.Sensors) == 0 {
		return 0, false
	}
	hottest := s.Sensors[0].Temperature
	for _, sensor := range s.Sensors[1:] {
		hottest = max(hottest, sensor.Temperature)
	}
	return hottest, true
}

// AverageTemperature returns the mean of all sensor readings.
func (s *ThermalSnapshot) AverageTemperature() (float64, bool) {
	if s == nil || len(s.Sensors) == 0 {
		return 0, false
	}
	var sum float64
	for _, sensor := range s.Sensors {
		sum += sensor.Temperature
	}
	return sum / float64(len(s.Sensors)), true
}

// HasCritical reports whether any sensor is at or above its critical limit.
func (s *ThermalSnapshot) HasCritical() bool {
	if s == nil {
		return false
	}
	for _, sensor := range s.Sensors {
		limit := defaultCriticalTemperature
		if sensor.Critical != nil {
			limit = *sensor.Critical
		}
		if sensor.Temperature >= limit {
			return true
		}
	}
	return false
}

// TemperatureOf returns the first reading of the given sensor type.
func (s *ThermalSnapshot) TemperatureOf(sensorType string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	for _, sensor := range s.Sensors {
		if sensor.Type == sensorType {
			return sensor.Temperature, true
		}
	}
	return 0, false
}

func (s *ThermalSnapshot) Clone() *ThermalSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Sensors = make([]ThermalSensor, len(s.Sensors))
	for i, sensor := range s.Sensors {
		sensor.High = clonePtr(sensor.High)
		sensor.Critical = clonePtr(sensor.Critical)
		c.Sensors[i] = sensor
	}
	c.Fans = slices.Clone(s.Fans)
	return &c
}

// PowerSnapshot holds power draw in watts. Any field may be unknown.
type PowerSnapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	TotalPowerDraw *float64  `json:"total_power_draw,omitempty"`
	CPUPower       *float64  `json:"cpu_power,omitempty"`
	GPUPower       *float64  `json:"gpu_power,omitempty"`
}

// EfficiencyScore is a coarse 0..1 rating of total draw, 0 when unknown.
func (s *PowerSnapshot) EfficiencyScore() float64 {
	if s == nil || s.TotalPowerDraw == nil {
		return 0
	}
	switch draw := *s.TotalPowerDraw; {
	case draw < 50:
		return 0.9
	case draw < 100:
		return 0.7
	case draw < 200:
		return 0.5
	default:
		return 0.3
	}
}

func (s *PowerSnapshot) Clone() *PowerSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.TotalPowerDraw = clonePtr(s.TotalPowerDraw)
	c.CPUPower = clonePtr(s.CPUPower)
	c.GPUPower = clonePtr(s.GPUPower)
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
