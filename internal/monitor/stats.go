package monitor

import (
	"sync"
	"time"
)

const statsWindow = 100

// Stats summarises a monitor's activity. AverageUpdateInterval is the mean
// duration of the most recent ticks, not the gap between them.
type Stats struct {
	TotalEvents     uint64 `json:"total_events"`
	ThermalAlerts   uint64 `json:"thermal_alerts"`
	PowerAlerts     uint64 `json:"power_alerts"`
	HardwareChanges uint64 `json:"hardware_changes"`
	Errors          uint64 `json:"errors"`
	Ticks           uint64 `json:"ticks"`

	Uptime                time.Duration `json:"uptime"`
	LastUpdate            time.Time     `json:"last_update"`
	AverageUpdateInterval time.Duration `json:"average_update_interval"`
}

type statsAggregator struct {
	mu        sync.RWMutex
	stats     Stats
	durations []time.Duration
	sum       time.Duration
	started   time.Time
}

func newStatsAggregator() *statsAggregator {
	return &statsAggregator{
		durations: make([]time.Duration, 0, statsWindow),
	}
}

// markStarted records the first start; later restarts keep counting from it.
func (a *statsAggregator) markStarted(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started.IsZero() {
		a.started = now
	}
}

func (a *statsAggregator) record(events []Event, took time.Duration, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.TotalEvents += uint64(len(events))
	for _, e := range events {
		switch e.Kind() {
		case KindThermalAlert:
			a.stats.ThermalAlerts++
		case KindPowerAlert:
			a.stats.PowerAlerts++
		case KindHardwareChanged:
			a.stats.HardwareChanges++
		case KindMonitoringError:
			a.stats.Errors++
		case KindMetricsUpdate:
		}
	}
	a.stats.Ticks++

	if len(a.durations) == statsWindow {
		a.sum -= a.durations[0]
		a.durations = append(a.durations[:0], a.durations[1:]...)
	}
	a.durations = append(a.durations, took)
	a.sum += took
	a.stats.AverageUpdateInterval = a.sum / time.Duration(len(a.durations))

	a.stats.LastUpdate = now
}

func (a *statsAggregator) snapshot(now time.Time) Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := a.stats
	if !a.started.IsZero() {
		s.Uptime = now.Sub(a.started)
	}
	return s
}
