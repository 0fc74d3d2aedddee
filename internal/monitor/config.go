package monitor

import (
	"math"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
)

const (
	DefaultInterval          = 5 * time.Second
	DefaultThermalThreshold  = 80.0
	DefaultBroadcastCapacity = 1000
)

// Config is fixed for the duration of a monitoring session. It can only be
// replaced while the monitor is stopped.
type Config struct {
	// Interval between ticks
	Interval time.Duration `json:"interval"`

	EnableThermal  bool `json:"enable_thermal"`
	EnablePower    bool `json:"enable_power"`
	EnableHardware bool `json:"enable_hardware"`

	// ThermalThreshold in °C; a sensor at or above it raises a ThermalAlert
	ThermalThreshold float64 `json:"thermal_threshold"`

	// PowerThreshold in watts; nil disables power alerts
	PowerThreshold *float64 `json:"power_threshold,omitempty"`

	// Background marks a headless session. The library loop always runs in
	// its own goroutine; callers use this to choose how to present events.
	Background bool `json:"background"`

	// ProviderTimeout bounds each provider query; zero means Interval
	ProviderTimeout time.Duration `json:"provider_timeout"`

	// BroadcastCapacity is the number of events retained for subscribers.
	// Read once when the monitor is constructed.
	BroadcastCapacity int `json:"broadcast_capacity"`

	// DetectChanges emits HardwareChanged events by comparing successive
	// hardware snapshots
	DetectChanges bool `json:"detect_changes"`
}

func DefaultConfig() Config {
	return Config{
		Interval:          DefaultInterval,
		EnableThermal:     true,
		EnablePower:       true,
		EnableHardware:    true,
		ThermalThreshold:  DefaultThermalThreshold,
		Background:        true,
		BroadcastCapacity: DefaultBroadcastCapacity,
		DetectChanges:     true,
	}
}

// WithPowerThreshold returns a copy of c with a power alert threshold.
func (c Config) WithPowerThreshold(watts float64) Config {
	c.PowerThreshold = &watts
	return c
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval.String())
	}
	if c.ProviderTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "provider timeout must not be negative")
	}
	if c.BroadcastCapacity <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "broadcast capacity must be positive")
	}
	if math.IsNaN(c.ThermalThreshold) || math.IsInf(c.ThermalThreshold, 0) {
		return errFactory.WithMessage(ErrInvalidConfig, "thermal threshold must be a finite number")
	}
	if c.PowerThreshold != nil && (math.IsNaN(*c.PowerThreshold) || math.IsInf(*c.PowerThreshold, 0)) {
		return errFactory.WithMessage(ErrInvalidConfig, "power threshold must be a finite number")
	}
	return nil
}

func (c Config) providerTimeout() time.Duration {
	if c.ProviderTimeout > 0 {
		return c.ProviderTimeout
	}
	return c.Interval
}

func (c Config) clone() Config {
	if c.PowerThreshold != nil {
		v := *c.PowerThreshold
		c.PowerThreshold = &v
	}
	return c
}
