package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/config"
	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/hardware"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"codeberg.org/mutker/hwmonitor/internal/pid"
	"codeberg.org/mutker/hwmonitor/internal/stream"
	"codeberg.org/mutker/hwmonitor/internal/thermal"
	"github.com/spf13/pflag"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LoggerLevel(), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	pidFile := pid.New("")
	if err := pidFile.Write(); err != nil {
		logger.FatalWithCode(coded(err, errors.ErrAlreadyRunning)).Msg("Failed to write PID file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	exitCode := 0
	if err := run(ctx); err != nil {
		logger.ErrorWithCode(coded(err, errors.ErrMainLoop)).Msg("Error in main loop")
		exitCode = 1
	}
	cancel()

	if err := pidFile.Remove(); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(exitCode)
}

func run(ctx context.Context) error {
	errFactory := errors.New()

	provider := newProvider()
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release hardware provider")
		}
	}()

	mon, err := monitor.New(provider, cfg.Monitor(), monitor.WithLogger(logger.Get()))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	registerCallbacks(mon, cfg.Background)

	streamErr := make(chan error, 1)
	if cfg.Listen != "" {
		srv := stream.NewServer(stream.Config{
			Address:        cfg.Listen,
			AllowedOrigins: cfg.AllowedOrigins,
		}, mon, logger.Get())
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				streamErr <- errFactory.Wrap(errors.ErrStartStream, err)
			}
		}()
	}

	if err := mon.Start(ctx); err != nil {
		return errFactory.Wrap(errors.ErrStartMonitoring, err)
	}

	if cfg.PredictEvery > 0 {
		go logPredictions(ctx, mon, cfg.PredictEvery, cfg.WorkloadIntensity)
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-streamErr:
	}

	mon.Stop()
	mon.Wait()
	logStats(mon.Stats())

	return err
}

func newProvider() *hardware.SystemProvider {
	opts := []hardware.Option{hardware.WithLogger(logger.Get())}
	if cfg.NoGPU {
		opts = append(opts, hardware.WithoutGPU())
	}
	if cfg.RAPLPath != "" {
		opts = append(opts, hardware.WithRAPLPath(cfg.RAPLPath))
	}
	return hardware.NewSystemProvider(opts...)
}

func registerCallbacks(mon *monitor.Monitor, background bool) {
	mon.OnEvent(func(e monitor.Event) {
		switch ev := e.(type) {
		case monitor.ThermalAlert:
			logger.Warn().
				Str("sensor", ev.SensorName).
				Float64("temperature", ev.Temperature).
				Float64("threshold", ev.Threshold).
				Msg("Temperature above threshold")
		case monitor.PowerAlert:
			logger.Warn().
				Float64("power", ev.CurrentPower).
				Float64("threshold", ev.Threshold).
				Msg("Power draw above threshold")
		case monitor.HardwareChanged:
			logger.Info().
				Str("change", string(ev.ChangeType)).
				Msg(ev.Description)
		case monitor.MonitoringError:
			logger.Warn().Str("error", ev.Error).Msg("Monitoring error")
		case monitor.MetricsUpdate:
			logUpdate(ev, background)
		}
	})
}

func logUpdate(update monitor.MetricsUpdate, background bool) {
	level := logger.InfoLevel
	if background {
		level = logger.DebugLevel
	}
	event := logger.WithLevel(level)

	if update.Thermal != nil {
		if hottest, ok := update.Thermal.MaxTemperature(); ok {
			event.Float64("max_temperature", hottest)
		}
		event.Str("thermal_status", string(thermal.StatusOf(update.Thermal)))
	}
	if update.Power != nil && update.Power.TotalPowerDraw != nil {
		event.Float64("power", *update.Power.TotalPowerDraw)
	}
	if update.Hardware != nil {
		event.Float64("cpu_usage", update.Hardware.CPU.UsagePercent)
		event.Float64("memory_used", update.Hardware.Memory.UsedPercent)
		event.Int("gpus", len(update.Hardware.GPUs))
	}
	event.Msg("Metrics updated")
}

func logPredictions(ctx context.Context, mon *monitor.Monitor, every time.Duration, intensity float64) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prediction := mon.PredictThrottling(intensity)

			level := logger.InfoLevel
			if prediction.WillThrottle {
				level = logger.WarnLevel
			}
			event := logger.WithLevel(level)
			event.
				Bool("will_throttle", prediction.WillThrottle).
				Str("severity", prediction.Severity.String()).
				Float64("projected", prediction.Projected).
				Float64("trend", mon.Trend()).
				Float64("confidence", prediction.Confidence)
			if prediction.TimeToThrottle != nil {
				event.Dur("time_to_throttle", *prediction.TimeToThrottle)
			}
			if len(prediction.Recommendations) > 0 {
				event.Str("recommendations", strings.Join(prediction.Recommendations, "; "))
			}
			event.Msg("Throttling forecast")

			if snap, ok := mon.LastThermal(); ok {
				for _, rec := range thermal.SuggestCooling(snap) {
					logger.Info().
						Str("cost", string(rec.Cost)).
						Float64("expected_reduction", rec.ExpectedReduction).
						Msg(rec.Description)
				}
			}
		}
	}
}

func logStats(stats monitor.Stats) {
	logger.Info().
		Uint64("ticks", stats.Ticks).
		Uint64("events", stats.TotalEvents).
		Uint64("thermal_alerts", stats.ThermalAlerts).
		Uint64("power_alerts", stats.PowerAlerts).
		Uint64("hardware_changes", stats.HardwareChanges).
		Uint64("errors", stats.Errors).
		Dur("uptime", stats.Uptime).
		Dur("average_tick", stats.AverageUpdateInterval).
		Msg("Monitoring summary")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// coded returns err as a coded error, wrapping it under code if needed.
func coded(err error, code errors.ErrorCode) errors.Error {
	var e errors.Error
	if errors.As(err, &e) {
		return e
	}
	return errors.New().Wrap(code, err)
}
