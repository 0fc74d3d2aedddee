package monitor

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/hardware"
)

// EventKind names the variant of an Event.
type EventKind string

const (
	KindThermalAlert    EventKind = "thermal_alert"
	KindPowerAlert      EventKind = "power_alert"
	KindHardwareChanged EventKind = "hardware_changed"
	KindMonitoringError EventKind = "monitoring_error"
	KindMetricsUpdate   EventKind = "metrics_update"
)

// Event is one observed fact. Implementations are plain values; the
// snapshots inside a MetricsUpdate are shared and must be treated as
// read-only.
type Event interface {
	Kind() EventKind
	Time() time.Time
}

// ThermalAlert reports a sensor at or above the thermal threshold.
type ThermalAlert struct {
	SensorName  string    `json:"sensor_name"`
	Temperature float64   `json:"temperature"`
	Threshold   float64   `json:"threshold"`
	Timestamp   time.Time `json:"timestamp"`
}

// PowerAlert reports total power draw at or above the power threshold.
type PowerAlert struct {
	CurrentPower float64   `json:"current_power"`
	Threshold    float64   `json:"threshold"`
	Timestamp    time.Time `json:"timestamp"`
}

// HardwareChanged reports a difference between two hardware snapshots.
type HardwareChanged struct {
	ChangeType  hardware.ChangeType `json:"change_type"`
	Description string              `json:"description"`
	Timestamp   time.Time           `json:"timestamp"`
}

// MonitoringError reports a failed provider query.
type MonitoringError struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsUpdate carries the snapshots obtained in one tick. A nil snapshot
// means that category was disabled or failed.
type MetricsUpdate struct {
	Hardware  *hardware.HardwareSnapshot `json:"hardware,omitempty"`
	Thermal   *hardware.ThermalSnapshot  `json:"thermal,omitempty"`
	Power     *hardware.PowerSnapshot    `json:"power,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
}

func (ThermalAlert) Kind() EventKind    { return KindThermalAlert }
func (PowerAlert) Kind() EventKind      { return KindPowerAlert }
func (HardwareChanged) Kind() EventKind { return KindHardwareChanged }
func (MonitoringError) Kind() EventKind { return KindMonitoringError }
func (MetricsUpdate) Kind() EventKind   { return KindMetricsUpdate }

func (e ThermalAlert) Time() time.Time    { return e.Timestamp }
func (e PowerAlert) Time() time.Time      { return e.Timestamp }
func (e HardwareChanged) Time() time.Time { return e.Timestamp }
func (e MonitoringError) Time() time.Time { return e.Timestamp }
func (e MetricsUpdate) Time() time.Time   { return e.Timestamp }

type envelope struct {
	Kind  EventKind `json:"kind"`
	Event Event     `json:"event"`
}

// MarshalEvent encodes an event as {"kind": ..., "event": {...}}.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(envelope{Kind: e.Kind(), Event: e})
}
