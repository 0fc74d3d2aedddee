package hardware

import "codeberg.org/mutker/hwmonitor/internal/errors"

const (
	// Query Errors
	ErrHardwareQueryFailed = errors.ErrorCode("hardware_query_failed")
	ErrThermalQueryFailed  = errors.ErrorCode("hardware_thermal_query_failed")
	ErrPowerQueryFailed    = errors.ErrorCode("hardware_power_query_failed")
	ErrNoSensors           = errors.ErrorCode("hardware_no_sensors")

	// NVML Errors
	ErrNVMLInitFailed     = errors.ErrorCode("hardware_nvml_init_failed")
	ErrNVMLShutdownFailed = errors.ErrorCode("hardware_nvml_shutdown_failed")
	ErrDeviceCountFailed  = errors.ErrorCode("hardware_gpu_device_count_failed")
	ErrDeviceNotFound     = errors.ErrorCode("hardware_gpu_device_not_found")

	// RAPL Errors
	ErrEnergyReadFailed = errors.ErrorCode("hardware_energy_read_failed")
)
