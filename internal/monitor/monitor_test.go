package monitor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/hardware"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	hardwareFn func(ctx context.Context, call int) (*hardware.HardwareSnapshot, error)
	thermalFn  func(ctx context.Context, call int) (*hardware.ThermalSnapshot, error)
	powerFn    func(ctx context.Context, call int) (*hardware.PowerSnapshot, error)

	hardwareCalls atomic.Int64
	thermalCalls  atomic.Int64
	powerCalls    atomic.Int64
}

func (f *fakeProvider) QueryHardware(ctx context.Context) (*hardware.HardwareSnapshot, error) {
	call := int(f.hardwareCalls.Add(1))
	if f.hardwareFn == nil {
		return &hardware.HardwareSnapshot{Timestamp: time.Now()}, nil
	}
	return f.hardwareFn(ctx, call)
}

func (f *fakeProvider) QueryThermal(ctx context.Context) (*hardware.ThermalSnapshot, error) {
	call := int(f.thermalCalls.Add(1))
	if f.thermalFn == nil {
		return &hardware.ThermalSnapshot{Timestamp: time.Now()}, nil
	}
	return f.thermalFn(ctx, call)
}

func (f *fakeProvider) QueryPower(ctx context.Context) (*hardware.PowerSnapshot, error) {
	call := int(f.powerCalls.Add(1))
	if f.powerFn == nil {
		return &hardware.PowerSnapshot{Timestamp: time.Now()}, nil
	}
	return f.powerFn(ctx, call)
}

func sensors(temps ...float64) *hardware.ThermalSnapshot {
	s := &hardware.ThermalSnapshot{Timestamp: time.Now()}
	for i, temp := range temps {
		s.Sensors = append(s.Sensors, hardware.ThermalSensor{
			Name:        fmt.Sprintf("sensor%d", i),
			Type:        hardware.SensorCPU,
			Temperature: temp,
		})
	}
	return s
}

// eventLog collects dispatched events from the monitor goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (l *eventLog) Notify(e monitor.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []monitor.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]monitor.Event(nil), l.events...)
}

func (l *eventLog) count(kind monitor.EventKind) int {
	n := 0
	for _, e := range l.all() {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

func slowConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Interval = time.Hour
	return cfg
}

func fastConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Interval = 2 * time.Millisecond
	cfg.ProviderTimeout = time.Second
	return cfg
}

func newMonitor(t *testing.T, p hardware.Provider, cfg monitor.Config) *monitor.Monitor {
	t.Helper()
	m, err := monitor.New(p, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Stop()
		m.Wait()
	})
	return m
}

func waitTicks(t *testing.T, m *monitor.Monitor, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Stats().Ticks >= n
	}, 5*time.Second, time.Millisecond)
}

// runTicks starts m, waits for at least n ticks and stops it.
func runTicks(t *testing.T, m *monitor.Monitor, n uint64) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	waitTicks(t, m, n)
	m.Stop()
	m.Wait()
}

func TestNewValidates(t *testing.T) {
	_, err := monitor.New(nil, monitor.DefaultConfig())
	assert.True(t, errors.HasCode(err, monitor.ErrNilProvider))

	cfg := monitor.DefaultConfig()
	cfg.Interval = 0
	_, err = monitor.New(&fakeProvider{}, cfg)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))

	m, err := monitor.New(&fakeProvider{}, monitor.DefaultConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID())
	assert.False(t, m.IsRunning())
}

func TestStartWhileRunningFails(t *testing.T) {
	p := &fakeProvider{}
	m := newMonitor(t, p, slowConfig())

	require.NoError(t, m.Start(context.Background()))
	waitTicks(t, m, 1)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, monitor.ErrAlreadyRunning))
	assert.True(t, m.IsRunning())

	m.Stop()
	m.Wait()
	assert.False(t, m.IsRunning())
	assert.Equal(t, uint64(1), m.Stats().Ticks, "the rejected start did not spawn a second loop")
	assert.Equal(t, int64(1), p.thermalCalls.Load())

	// Stopping twice is a no-op
	m.Stop()
	assert.False(t, m.IsRunning())
}

func TestStopHaltsTicks(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, fastConfig())

	runTicks(t, m, 3)
	ticks := m.Stats().Ticks

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ticks, m.Stats().Ticks)
	assert.False(t, m.IsRunning())
}

func TestRestartAfterStop(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, fastConfig())

	runTicks(t, m, 2)
	first := m.Stats()

	runTicks(t, m, first.Ticks+2)
	second := m.Stats()
	assert.Greater(t, second.Ticks, first.Ticks)
	assert.Greater(t, second.Uptime, first.Uptime, "uptime counts from the first start")
}

func TestRestartWaitsForPreviousTick(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if n <= prev || maxInFlight.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			return sensors(50), nil
		},
	}
	cfg := slowConfig()
	cfg.ProviderTimeout = time.Second
	m := newMonitor(t, p, cfg)
	log := &eventLog{}
	m.AddCallback(log)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return p.thermalCalls.Load() >= 1
	}, time.Second, time.Millisecond)

	m.Stop()
	require.NoError(t, m.Start(context.Background()))
	waitTicks(t, m, 2)
	m.Stop()
	m.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "ticks from two sessions overlapped")
	assert.Equal(t, uint64(2), m.Stats().Ticks)
	assert.Equal(t, 2, log.count(monitor.KindMetricsUpdate))
}

func TestContextCancelStopsLoop(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	waitTicks(t, m, 1)

	cancel()
	m.Wait()
	assert.False(t, m.IsRunning())

	require.NoError(t, m.Start(context.Background()), "a cancelled session can be restarted")
}

func TestTickEventOrder(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			return sensors(85, 70, 80), nil
		},
		powerFn: func(context.Context, int) (*hardware.PowerSnapshot, error) {
			return &hardware.PowerSnapshot{TotalPowerDraw: hardware.Float(250)}, nil
		},
	}
	m := newMonitor(t, p, slowConfig().WithPowerThreshold(200))
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 1)

	events := log.all()
	require.Len(t, events, 4)

	first, ok := events[0].(monitor.ThermalAlert)
	require.True(t, ok)
	assert.Equal(t, "sensor0", first.SensorName)
	assert.InDelta(t, 85.0, first.Temperature, 1e-9)
	assert.InDelta(t, 80.0, first.Threshold, 1e-9)

	second, ok := events[1].(monitor.ThermalAlert)
	require.True(t, ok)
	assert.Equal(t, "sensor2", second.SensorName, "a reading equal to the threshold alerts")

	power, ok := events[2].(monitor.PowerAlert)
	require.True(t, ok)
	assert.InDelta(t, 250.0, power.CurrentPower, 1e-9)
	assert.InDelta(t, 200.0, power.Threshold, 1e-9)

	update, ok := events[3].(monitor.MetricsUpdate)
	require.True(t, ok)
	assert.NotNil(t, update.Hardware)
	assert.NotNil(t, update.Thermal)
	assert.NotNil(t, update.Power)

	stats := m.Stats()
	assert.Equal(t, uint64(4), stats.TotalEvents)
	assert.Equal(t, uint64(2), stats.ThermalAlerts)
	assert.Equal(t, uint64(1), stats.PowerAlerts)
	assert.Zero(t, stats.Errors)
	assert.False(t, stats.LastUpdate.IsZero())
}

func TestThermalAlertPerHotSensor(t *testing.T) {
	temps := []float64{79.9, 80, 95, 40, 81}
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			return sensors(temps...), nil
		},
	}
	m := newMonitor(t, p, slowConfig())
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 1)

	assert.Equal(t, 3, log.count(monitor.KindThermalAlert))
	assert.Equal(t, uint64(3), m.Stats().ThermalAlerts)
}

func TestPowerAlertNeedsThresholdAndReading(t *testing.T) {
	p := &fakeProvider{
		powerFn: func(context.Context, int) (*hardware.PowerSnapshot, error) {
			return &hardware.PowerSnapshot{TotalPowerDraw: hardware.Float(500)}, nil
		},
	}
	m := newMonitor(t, p, slowConfig())
	log := &eventLog{}
	m.AddCallback(log)
	runTicks(t, m, 1)
	assert.Zero(t, log.count(monitor.KindPowerAlert), "no threshold configured")

	unknown := &fakeProvider{}
	m = newMonitor(t, unknown, slowConfig().WithPowerThreshold(1))
	log = &eventLog{}
	m.AddCallback(log)
	runTicks(t, m, 1)
	assert.Zero(t, log.count(monitor.KindPowerAlert), "draw unknown")
}

func TestOneMetricsUpdatePerTick(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(_ context.Context, call int) (*hardware.ThermalSnapshot, error) {
			if call%2 == 0 {
				return nil, fmt.Errorf("sensor read failed")
			}
			return sensors(90), nil
		},
	}
	m := newMonitor(t, p, fastConfig())
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 5)

	stats := m.Stats()
	assert.Equal(t, int(stats.Ticks), log.count(monitor.KindMetricsUpdate))
	assert.Equal(t, int(stats.TotalEvents), len(log.all()))
}

func TestProviderFailureKeepsLoopAndCache(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(_ context.Context, call int) (*hardware.ThermalSnapshot, error) {
			if call == 1 {
				return sensors(50), nil
			}
			return nil, fmt.Errorf("sensor read failed")
		},
	}
	m := newMonitor(t, p, fastConfig())
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 3)

	stats := m.Stats()
	assert.Equal(t, stats.Ticks-1, stats.Errors)

	var failure monitor.MonitoringError
	for _, e := range log.all() {
		if me, ok := e.(monitor.MonitoringError); ok {
			failure = me
			break
		}
	}
	assert.Contains(t, failure.Error, "failed to query thermal info")
	assert.Contains(t, failure.Error, "sensor read failed")

	for _, e := range log.all() {
		if update, ok := e.(monitor.MetricsUpdate); ok && update.Thermal == nil {
			assert.NotNil(t, update.Hardware, "other categories still report")
			assert.NotNil(t, update.Power)
		}
	}

	cached, ok := m.LastThermal()
	require.True(t, ok)
	require.Len(t, cached.Sensors, 1)
	assert.InDelta(t, 50.0, cached.Sensors[0].Temperature, 1e-9, "failed ticks keep the last good snapshot")
}

func TestProviderRecoversAfterOneFailure(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(_ context.Context, call int) (*hardware.ThermalSnapshot, error) {
			if call == 2 {
				return nil, fmt.Errorf("sensor read failed")
			}
			return sensors(80 + float64(call)), nil
		},
	}
	cfg := fastConfig()
	cfg.ThermalThreshold = 80
	m := newMonitor(t, p, cfg)
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 3)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Errors)
	assert.Equal(t, 1, log.count(monitor.KindMonitoringError))
	assert.Equal(t, stats.Ticks-1, stats.ThermalAlerts)

	events := log.all()
	failedAt := -1
	for i, e := range events {
		if _, ok := e.(monitor.MonitoringError); ok {
			failedAt = i
			break
		}
	}
	require.GreaterOrEqual(t, failedAt, 0)

	var alertAfter, refreshAfter bool
	for _, e := range events[failedAt+1:] {
		switch e := e.(type) {
		case monitor.ThermalAlert:
			alertAfter = true
		case monitor.MetricsUpdate:
			if e.Thermal != nil {
				refreshAfter = true
			}
		}
	}
	assert.True(t, alertAfter, "alerts resume after the provider recovers")
	assert.True(t, refreshAfter, "thermal metrics resume after the provider recovers")

	cached, ok := m.LastThermal()
	require.True(t, ok)
	require.Len(t, cached.Sensors, 1)
	assert.InDelta(t, 80+float64(p.thermalCalls.Load()), cached.Sensors[0].Temperature, 1e-9)
}

func TestProviderTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			<-release
			return sensors(50), nil
		},
	}
	cfg := slowConfig()
	cfg.ProviderTimeout = 10 * time.Millisecond
	m := newMonitor(t, p, cfg)
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 1)

	require.Equal(t, 1, log.count(monitor.KindMonitoringError))
	assert.Contains(t, log.all()[0].(monitor.MonitoringError).Error, "timed out")
	_, ok := m.LastThermal()
	assert.False(t, ok)
}

func TestProviderPanicBecomesError(t *testing.T) {
	p := &fakeProvider{
		powerFn: func(context.Context, int) (*hardware.PowerSnapshot, error) {
			panic("sysfs vanished")
		},
	}
	m := newMonitor(t, p, slowConfig())
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 1)

	require.Equal(t, 1, log.count(monitor.KindMonitoringError))
	assert.Contains(t, log.all()[0].(monitor.MonitoringError).Error, "sysfs vanished")
}

func TestNilSnapshotIsAnError(t *testing.T) {
	p := &fakeProvider{
		hardwareFn: func(context.Context, int) (*hardware.HardwareSnapshot, error) {
			return nil, nil
		},
	}
	m := newMonitor(t, p, slowConfig())
	runTicks(t, m, 1)
	assert.Equal(t, uint64(1), m.Stats().Errors)
}

func TestDisabledCategoriesAreNotQueried(t *testing.T) {
	p := &fakeProvider{}
	cfg := slowConfig()
	cfg.EnableHardware = false
	cfg.EnablePower = false
	m := newMonitor(t, p, cfg)
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 1)

	assert.Zero(t, p.hardwareCalls.Load())
	assert.Zero(t, p.powerCalls.Load())
	require.Len(t, log.all(), 1)
	update := log.all()[0].(monitor.MetricsUpdate)
	assert.Nil(t, update.Hardware)
	assert.NotNil(t, update.Thermal)
	assert.Nil(t, update.Power)
}

func TestHardwareChangeDetection(t *testing.T) {
	gpu := func(i int) hardware.GPUInfo {
		return hardware.GPUInfo{Index: i, UUID: fmt.Sprintf("GPU-%d", i), Name: "RTX", Driver: "550.54"}
	}
	p := &fakeProvider{
		hardwareFn: func(_ context.Context, call int) (*hardware.HardwareSnapshot, error) {
			s := &hardware.HardwareSnapshot{Timestamp: time.Now(), GPUs: []hardware.GPUInfo{gpu(0)}}
			if call > 1 {
				s.GPUs = append(s.GPUs, gpu(1))
			}
			return s, nil
		},
	}
	m := newMonitor(t, p, fastConfig())
	log := &eventLog{}
	m.AddCallback(log)

	runTicks(t, m, 3)

	require.Equal(t, 1, log.count(monitor.KindHardwareChanged))
	for _, e := range log.all() {
		if changed, ok := e.(monitor.HardwareChanged); ok {
			assert.Equal(t, hardware.DeviceConnected, changed.ChangeType)
			assert.Contains(t, changed.Description, "GPU-1")
		}
	}
	assert.Equal(t, uint64(1), m.Stats().HardwareChanges)

	cached, ok := m.LastHardware()
	require.True(t, ok)
	assert.Len(t, cached.GPUs, 2)
}

func TestUpdateConfig(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, slowConfig())

	require.NoError(t, m.Start(context.Background()))
	next := slowConfig()
	next.ThermalThreshold = 60
	err := m.UpdateConfig(next)
	assert.True(t, errors.HasCode(err, monitor.ErrAlreadyRunning))
	assert.InDelta(t, 80.0, m.Config().ThermalThreshold, 1e-9)

	m.Stop()
	m.Wait()

	bad := next
	bad.BroadcastCapacity = 0
	assert.True(t, errors.HasCode(m.UpdateConfig(bad), monitor.ErrInvalidConfig))

	require.NoError(t, m.UpdateConfig(next.WithPowerThreshold(100)))
	cfg := m.Config()
	assert.InDelta(t, 60.0, cfg.ThermalThreshold, 1e-9)

	*cfg.PowerThreshold = 1
	assert.InDelta(t, 100.0, *m.Config().PowerThreshold, 1e-9, "Config returns a copy")
}

func TestCachedSnapshotsAreCopies(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			return sensors(42), nil
		},
	}
	m := newMonitor(t, p, slowConfig())

	_, ok := m.LastThermal()
	assert.False(t, ok, "nothing cached before the first tick")

	runTicks(t, m, 1)

	snap, ok := m.LastThermal()
	require.True(t, ok)
	snap.Sensors[0].Temperature = 0

	again, _ := m.LastThermal()
	assert.InDelta(t, 42.0, again.Sensors[0].Temperature, 1e-9)

	_, ok = m.LastPower()
	assert.True(t, ok)
}

func TestSubscriberReceivesEvents(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, slowConfig())
	rx := m.Subscribe()
	defer rx.Close()

	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := rx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitor.KindMetricsUpdate, e.Kind())
	assert.Zero(t, rx.Lagged())
}

func TestThresholdCallbacks(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			return sensors(82, 93), nil
		},
		powerFn: func(context.Context, int) (*hardware.PowerSnapshot, error) {
			return &hardware.PowerSnapshot{TotalPowerDraw: hardware.Float(300)}, nil
		},
	}
	m := newMonitor(t, p, slowConfig().WithPowerThreshold(250))

	var hot []monitor.ThermalAlert
	var power []monitor.PowerAlert
	m.OnThermalThreshold(90, func(a monitor.ThermalAlert) { hot = append(hot, a) })
	m.OnPowerThreshold(400, func(a monitor.PowerAlert) { power = append(power, a) })

	runTicks(t, m, 1)

	require.Len(t, hot, 1)
	assert.Equal(t, "sensor1", hot[0].SensorName)
	assert.Empty(t, power, "300W is below the callback's own threshold")
}

func TestPredictThrottlingUsesTrackedReadings(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(context.Context, int) (*hardware.ThermalSnapshot, error) {
			return sensors(95), nil
		},
	}
	m := newMonitor(t, p, slowConfig())

	assert.False(t, m.PredictThrottling(0).WillThrottle, "no readings yet")

	runTicks(t, m, 1)

	prediction := m.PredictThrottling(0)
	assert.True(t, prediction.WillThrottle)
	assert.Zero(t, m.Trend())
	assert.Equal(t, []string{"sensor0"}, m.Tracker().Sensors())
}

func TestVanishedSensorStopsDrivingPrediction(t *testing.T) {
	p := &fakeProvider{
		thermalFn: func(_ context.Context, call int) (*hardware.ThermalSnapshot, error) {
			if call == 1 {
				return sensors(60, 98), nil
			}
			return sensors(60), nil
		},
	}
	m := newMonitor(t, p, fastConfig())

	runTicks(t, m, 2)

	assert.Equal(t, []string{"sensor0"}, m.Tracker().Sensors())
	assert.False(t, m.PredictThrottling(0).WillThrottle)
}

func TestUptimeBeforeStart(t *testing.T) {
	m := newMonitor(t, &fakeProvider{}, slowConfig())
	stats := m.Stats()
	assert.Zero(t, stats.Uptime)
	assert.Zero(t, stats.Ticks)
	assert.True(t, stats.LastUpdate.IsZero())
}
