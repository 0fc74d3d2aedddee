// Package hardware defines the snapshot types sampled by the monitor and the
// providers that produce them.
package hardware

import "context"

// Provider produces hardware, thermal and power snapshots on demand.
// Implementations must be safe for concurrent use and should honour ctx.
type Provider interface {
	QueryHardware(ctx context.Context) (*HardwareSnapshot, error)
	QueryThermal(ctx context.Context) (*ThermalSnapshot, error)
	QueryPower(ctx context.Context) (*PowerSnapshot, error)
}

// GPUSample is one GPU's inventory plus its live sensor readings.
type GPUSample struct {
	Info        GPUInfo
	Temperature *float64
	PowerWatts  *float64
	FanPercent  *float64
}

// GPUSource enumerates GPUs for the system provider.
type GPUSource interface {
	Sample(ctx context.Context) ([]GPUSample, error)
	Close() error
}
