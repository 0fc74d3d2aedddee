package monitor

import "codeberg.org/mutker/hwmonitor/internal/errors"

const (
	// Lifecycle Errors
	ErrAlreadyRunning = errors.ErrorCode("monitor_already_running")
	ErrNilProvider    = errors.ErrorCode("monitor_nil_provider")

	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Provider Errors
	ErrProviderTimeout = errors.ErrTimeout
	ErrProviderPanic   = errors.ErrorCode("monitor_provider_panic")
	ErrNoSnapshot      = errors.ErrorCode("monitor_provider_no_snapshot")

	// Subscription Errors
	ErrReceiverClosed = errors.ErrorCode("monitor_receiver_closed")
)
