// Package monitor runs the periodic sampling loop: it queries a hardware
// provider, evaluates thresholds, feeds the thermal tracker and dispatches
// the resulting events to subscribers and callbacks.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/hardware"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/thermal"
	"github.com/google/uuid"
)

type Monitor struct {
	id         string
	provider   hardware.Provider
	logger     logger.Logger
	tracker    *thermal.Tracker
	dispatcher *Dispatcher
	stats      *statsAggregator

	// lifecycle serialises Start, Stop and UpdateConfig
	lifecycle sync.Mutex
	cfg       Config
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup

	cacheMu      sync.RWMutex
	lastHardware *hardware.HardwareSnapshot
	lastThermal  *hardware.ThermalSnapshot
	lastPower    *hardware.PowerSnapshot
}

type Option func(*Monitor)

func WithLogger(log logger.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithTracker shares a thermal tracker with the monitor.
func WithTracker(t *thermal.Tracker) Option {
	return func(m *Monitor) {
		if t != nil {
			m.tracker = t
		}
	}
}

func New(provider hardware.Provider, cfg Config, opts ...Option) (*Monitor, error) {
	errFactory := errors.New()

	if provider == nil {
		return nil, errFactory.New(ErrNilProvider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		id:         uuid.NewString(),
		provider:   provider,
		logger:     logger.Nop(),
		tracker:    thermal.NewTracker(),
		dispatcher: NewDispatcher(cfg.BroadcastCapacity),
		stats:      newStatsAggregator(),
		cfg:        cfg.clone(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("session", m.id)

	return m, nil
}

// ID identifies this monitor in logs and on the event stream.
func (m *Monitor) ID() string {
	return m.id
}

// Start launches the sampling goroutine. The first tick runs immediately.
// The loop ends when Stop is called or ctx is done. If a previous session is
// still finishing its last tick, Start waits for it first.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	for {
		if m.running.Load() {
			return errors.New().WithMessage(ErrAlreadyRunning, "monitoring is already running")
		}
		prev := m.done
		if prev == nil {
			break
		}
		select {
		case <-prev:
		default:
			m.lifecycle.Unlock()
			<-prev
			m.lifecycle.Lock()
		}
		if m.done == prev {
			m.done = nil
		}
	}

	cfg := m.cfg.clone()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stop = stop
	m.done = done
	m.running.Store(true)
	m.stats.markStarted(time.Now())

	m.wg.Add(1)
	go m.run(ctx, cfg, stop, done)

	m.logger.Info().
		Dur("interval", cfg.Interval).
		Bool("thermal", cfg.EnableThermal).
		Bool("power", cfg.EnablePower).
		Bool("hardware", cfg.EnableHardware).
		Msg("Monitoring started")

	return nil
}

// Stop signals the loop to exit after the tick in progress, if any. It does
// not wait; use Wait for that.
func (m *Monitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.running.Load() {
		return
	}
	m.running.Store(false)
	close(m.stop)

	m.logger.Info().Msg("Monitoring stopped")
}

func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// Wait blocks until the sampling goroutine has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// UpdateConfig replaces the configuration. It fails while running.
func (m *Monitor) UpdateConfig(cfg Config) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.running.Load() {
		return errors.New().WithMessage(ErrAlreadyRunning, "cannot change configuration while monitoring is running")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.cfg = cfg.clone()
	return nil
}

func (m *Monitor) Config() Config {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.cfg.clone()
}

func (m *Monitor) Dispatcher() *Dispatcher {
	return m.dispatcher
}

func (m *Monitor) Subscribe() *Receiver {
	return m.dispatcher.Subscribe()
}

func (m *Monitor) AddCallback(s Sink) {
	m.dispatcher.AddCallback(s)
}

func (m *Monitor) OnEvent(fn func(Event)) {
	m.dispatcher.OnEvent(fn)
}

func (m *Monitor) OnThermalThreshold(threshold float64, fn func(ThermalAlert)) {
	m.dispatcher.OnThermalThreshold(threshold, fn)
}

func (m *Monitor) OnPowerThreshold(threshold float64, fn func(PowerAlert)) {
	m.dispatcher.OnPowerThreshold(threshold, fn)
}

func (m *Monitor) ClearCallbacks() {
	m.dispatcher.ClearCallbacks()
}

func (m *Monitor) LastHardware() (*hardware.HardwareSnapshot, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.lastHardware.Clone(), m.lastHardware != nil
}

func (m *Monitor) LastThermal() (*hardware.ThermalSnapshot, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.lastThermal.Clone(), m.lastThermal != nil
}

func (m *Monitor) LastPower() (*hardware.PowerSnapshot, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	return m.lastPower.Clone(), m.lastPower != nil
}

func (m *Monitor) Stats() Stats {
	return m.stats.snapshot(time.Now())
}

func (m *Monitor) Tracker() *thermal.Tracker {
	return m.tracker
}

// PredictThrottling projects throttling risk from the tracked temperatures
// for a workload intensity in [0, 1].
func (m *Monitor) PredictThrottling(workloadIntensity float64) thermal.Prediction {
	return m.tracker.PredictThrottling(workloadIntensity)
}

// Trend returns the mean temperature change per reading in °C.
func (m *Monitor) Trend() float64 {
	return m.tracker.Trend()
}

func (m *Monitor) run(ctx context.Context, cfg Config, stop, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer m.finish(stop)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.tick(ctx, cfg)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			m.logger.Debug().Err(ctx.Err()).Msg("Monitoring context done")
			return
		case <-ticker.C:
		}
	}
}

// finish clears the running flag when the loop ends on its own, unless a
// newer session has already replaced this one.
func (m *Monitor) finish(stop chan struct{}) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.stop == stop && m.running.Load() {
		m.running.Store(false)
		close(stop)
		m.logger.Info().Msg("Monitoring stopped")
	}
}

func (m *Monitor) tick(ctx context.Context, cfg Config) {
	start := time.Now()
	timeout := cfg.providerTimeout()

	var (
		events []Event
		hw     *hardware.HardwareSnapshot
		th     *hardware.ThermalSnapshot
		pw     *hardware.PowerSnapshot
	)

	if cfg.EnableHardware {
		snap, err := query(ctx, timeout, m.provider.QueryHardware)
		if err != nil {
			events = append(events, m.providerError("hardware info", err))
		} else {
			hw = snap
			if cfg.DetectChanges {
				events = append(events, m.hardwareChanges(snap)...)
			}
		}
	}

	if cfg.EnableThermal {
		snap, err := query(ctx, timeout, m.provider.QueryThermal)
		if err != nil {
			events = append(events, m.providerError("thermal info", err))
		} else {
			th = snap
			events = append(events, m.thermalAlerts(snap, cfg.ThermalThreshold)...)
		}
	}

	if cfg.EnablePower {
		snap, err := query(ctx, timeout, m.provider.QueryPower)
		if err != nil {
			events = append(events, m.providerError("power info", err))
		} else {
			pw = snap
			if alert, ok := powerAlert(snap, cfg.PowerThreshold); ok {
				events = append(events, alert)
			}
		}
	}

	events = append(events, MetricsUpdate{
		Hardware:  hw,
		Thermal:   th,
		Power:     pw,
		Timestamp: start,
	})

	m.updateCache(hw, th, pw)
	m.dispatcher.Dispatch(events...)

	took := time.Since(start)
	m.stats.record(events, took, time.Now())

	m.logger.Debug().
		Int("events", len(events)).
		Dur("took", took).
		Msg("Monitoring tick")
}

func (m *Monitor) hardwareChanges(snap *hardware.HardwareSnapshot) []Event {
	m.cacheMu.RLock()
	prev := m.lastHardware
	m.cacheMu.RUnlock()

	changes := hardware.Diff(prev, snap)
	events := make([]Event, 0, len(changes))
	for _, c := range changes {
		events = append(events, HardwareChanged{
			ChangeType:  c.Type,
			Description: c.Description,
			Timestamp:   time.Now(),
		})
	}
	return events
}

func (m *Monitor) thermalAlerts(snap *hardware.ThermalSnapshot, threshold float64) []Event {
	m.tracker.RecordSnapshot(snap)

	var events []Event
	for _, sensor := range snap.Sensors {
		if sensor.Temperature >= threshold {
			events = append(events, ThermalAlert{
				SensorName:  sensor.Name,
				Temperature: sensor.Temperature,
				Threshold:   threshold,
				Timestamp:   time.Now(),
			})
		}
	}
	return events
}

func powerAlert(snap *hardware.PowerSnapshot, threshold *float64) (PowerAlert, bool) {
	if threshold == nil || snap.TotalPowerDraw == nil {
		return PowerAlert{}, false
	}
	if *snap.TotalPowerDraw < *threshold {
		return PowerAlert{}, false
	}
	return PowerAlert{
		CurrentPower: *snap.TotalPowerDraw,
		Threshold:    *threshold,
		Timestamp:    time.Now(),
	}, true
}

func (m *Monitor) providerError(what string, err error) Event {
	m.logger.Warn().Err(err).Str("category", what).Msg("Provider query failed")

	return MonitoringError{
		Error:     fmt.Sprintf("failed to query %s: %v", what, err),
		Timestamp: time.Now(),
	}
}

func (m *Monitor) updateCache(hw *hardware.HardwareSnapshot, th *hardware.ThermalSnapshot, pw *hardware.PowerSnapshot) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if hw != nil {
		m.lastHardware = hw
	}
	if th != nil {
		m.lastThermal = th
	}
	if pw != nil {
		m.lastPower = pw
	}
}

type queryResult[T any] struct {
	snap *T
	err  error
}

// query runs fn on its own goroutine so a provider that ignores ctx still
// yields a timeout. A panicking provider becomes an error.
func query[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (*T, error)) (*T, error) {
	errFactory := errors.New()

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan queryResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- queryResult[T]{err: errFactory.WithData(ErrProviderPanic, r).WithMessage("provider panicked")}
			}
		}()
		snap, err := fn(qctx)
		done <- queryResult[T]{snap: snap, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.snap == nil {
			return nil, errFactory.WithMessage(ErrNoSnapshot, "provider returned no snapshot")
		}
		return res.snap, nil
	case <-qctx.Done():
		return nil, errFactory.Wrap(ErrProviderTimeout, qctx.Err()).WithMessage("provider query timed out")
	}
}
