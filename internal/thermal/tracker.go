// Package thermal keeps a short temperature history per sensor and derives a
// heuristic throttling prediction from it.
package thermal

import (
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/hardware"
)

const (
	// HistoryCapacity is the number of readings kept per sensor
	HistoryCapacity = 10

	// trendSpan is how many readings the slope estimate spans
	trendSpan = 3
)

// Reading is one temperature sample.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

type sensorHistory struct {
	current  float64
	readings []Reading
}

// Tracker records temperature readings per sensor. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	sensors map[string]*sensorHistory
}

func NewTracker() *Tracker {
	return &Tracker{
		sensors: make(map[string]*sensorHistory),
	}
}

// Record appends a reading, dropping the oldest once the sensor holds
// HistoryCapacity readings, and makes it the sensor's current temperature.
// Other sensors are left alone.
func (t *Tracker) Record(sensor string, temperature float64, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recordLocked(sensor, temperature, ts)
}

func (t *Tracker) recordLocked(sensor string, temperature float64, ts time.Time) {
	h, ok := t.sensors[sensor]
	if !ok {
		h = &sensorHistory{readings: make([]Reading, 0, HistoryCapacity)}
		t.sensors[sensor] = h
	}

	h.readings = append(h.readings, Reading{Temperature: temperature, Timestamp: ts})
	if len(h.readings) > HistoryCapacity {
		h.readings = h.readings[len(h.readings)-HistoryCapacity:]
	}
	h.current = temperature
}

// RecordSnapshot records every sensor of a thermal snapshot and forgets
// sensors the snapshot no longer reports, so a removed device stops feeding
// the maximum and the trend. A zero timestamp is replaced by the current time.
func (t *Tracker) RecordSnapshot(s *hardware.ThermalSnapshot) {
	if s == nil {
		return
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(s.Sensors))
	for _, sensor := range s.Sensors {
		t.recordLocked(sensor.Name, sensor.Temperature, ts)
		seen[sensor.Name] = true
	}
	for name := range t.sensors {
		if !seen[name] {
			delete(t.sensors, name)
		}
	}
}

// History returns a copy of the sensor's readings, oldest first.
func (t *Tracker) History(sensor string) []Reading {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.sensors[sensor]
	if !ok {
		return nil
	}
	out := make([]Reading, len(h.readings))
	copy(out, h.readings)
	return out
}

func (t *Tracker) CurrentTemperature(sensor string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.sensors[sensor]
	if !ok {
		return 0, false
	}
	return h.current, true
}

// Sensors returns the tracked sensor names in sorted order.
func (t *Tracker) Sensors() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.sensors))
	for name := range t.sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxTemperature returns the highest current temperature across sensors.
func (t *Tracker) MaxTemperature() (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.maxTemperatureLocked()
}

func (t *Tracker) maxTemperatureLocked() (float64, bool) {
	var hottest float64
	found := false
	for _, h := range t.sensors {
		if !found || h.current > hottest {
			hottest = h.current
			found = true
		}
	}
	return hottest, found
}

// Trend is the mean per-sample slope in °C across sensors with at least
// three readings, each estimated as (newest - third newest) / 2.
// It is 0 when no sensor qualifies.
func (t *Tracker) Trend() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.trendLocked()
}

func (t *Tracker) trendLocked() float64 {
	var sum float64
	var n int
	for _, h := range t.sensors {
		count := len(h.readings)
		if count < trendSpan {
			continue
		}
		newest := h.readings[count-1].Temperature
		older := h.readings[count-trendSpan].Temperature
		sum += (newest - older) / float64(trendSpan-1)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PredictThrottling projects the hottest sensor forward under the given
// workload intensity. With no sensors the current maximum is taken as 0.
func (t *Tracker) PredictThrottling(workloadIntensity float64) Prediction {
	t.mu.RLock()
	currentMax, _ := t.maxTemperatureLocked()
	trend := t.trendLocked()
	t.mu.RUnlock()

	return Predict(currentMax, trend, workloadIntensity)
}

// Reset forgets all sensors.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sensors = make(map[string]*sensorHistory)
}
