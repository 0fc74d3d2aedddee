package monitor

import "sync"

// Sink receives events synchronously on the monitor goroutine.
type Sink interface {
	Notify(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Notify(e Event) {
	f(e)
}

// Dispatcher delivers every event to the broadcast ring and then to each
// registered callback, in registration order. Callbacks are not isolated: a
// slow callback delays the tick and a panicking one reaches the caller.
type Dispatcher struct {
	mu    sync.Mutex
	sinks []Sink
	bus   *broadcast
}

func NewDispatcher(capacity int) *Dispatcher {
	return &Dispatcher{
		bus: newBroadcast(capacity),
	}
}

// Subscribe returns a receiver for events dispatched from now on.
func (d *Dispatcher) Subscribe() *Receiver {
	return d.bus.subscribe()
}

func (d *Dispatcher) AddCallback(s Sink) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// OnEvent registers fn for every event.
func (d *Dispatcher) OnEvent(fn func(Event)) {
	d.AddCallback(SinkFunc(fn))
}

// OnThermalThreshold registers fn for thermal alerts whose temperature is at
// or above threshold. The filter applies on top of the monitor's own
// threshold, so a value below it sees every alert.
func (d *Dispatcher) OnThermalThreshold(threshold float64, fn func(ThermalAlert)) {
	d.AddCallback(SinkFunc(func(e Event) {
		if alert, ok := e.(ThermalAlert); ok && alert.Temperature >= threshold {
			fn(alert)
		}
	}))
}

// OnPowerThreshold registers fn for power alerts whose draw is at or above
// threshold.
func (d *Dispatcher) OnPowerThreshold(threshold float64, fn func(PowerAlert)) {
	d.AddCallback(SinkFunc(func(e Event) {
		if alert, ok := e.(PowerAlert); ok && alert.CurrentPower >= threshold {
			fn(alert)
		}
	}))
}

func (d *Dispatcher) ClearCallbacks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = nil
}

func (d *Dispatcher) CallbackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sinks)
}

// Dispatch delivers events in order. Each event is published to
// subscribers before any callback sees it.
func (d *Dispatcher) Dispatch(events ...Event) {
	if len(events) == 0 {
		return
	}

	// Callbacks may register further callbacks
	d.mu.Lock()
	sinks := make([]Sink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.Unlock()

	for _, e := range events {
		d.bus.publish(e)
		for _, s := range sinks {
			s.Notify(e)
		}
	}
}
