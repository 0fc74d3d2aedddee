// Package config loads daemon settings from /etc/hwmonitor.toml (or the file
// named by HWMONITOR_CONFIG), HWMONITOR_* environment variables and command
// line flags, in increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
	"codeberg.org/mutker/hwmonitor/internal/logger"
	"codeberg.org/mutker/hwmonitor/internal/monitor"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix         = "HWMONITOR"
	DefaultLogLevel          = "info"
	DefaultWorkloadIntensity = 0.5
	DefaultPredictEvery      = time.Minute
)

type Config struct {
	Interval          time.Duration `mapstructure:"interval"`
	ThermalThreshold  float64       `mapstructure:"thermal_threshold"`
	PowerThreshold    float64       `mapstructure:"power_threshold"` // 0 disables power alerts
	EnableThermal     bool          `mapstructure:"thermal"`
	EnablePower       bool          `mapstructure:"power"`
	EnableHardware    bool          `mapstructure:"hardware"`
	DetectChanges     bool          `mapstructure:"detect_changes"`
	Background        bool          `mapstructure:"background"`
	ProviderTimeout   time.Duration `mapstructure:"provider_timeout"`
	BroadcastCapacity int           `mapstructure:"broadcast_capacity"`

	// Throttling forecast logged by the daemon
	WorkloadIntensity float64       `mapstructure:"workload_intensity"`
	PredictEvery      time.Duration `mapstructure:"predict_every"`

	LogLevel string `mapstructure:"log_level"`

	// Event stream; an empty address disables it
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	NoGPU    bool   `mapstructure:"no_gpu"`
	RAPLPath string `mapstructure:"rapl_path"`
}

type flagBinding struct {
	key  string
	flag string
}

var bindings = []flagBinding{
	{"interval", "interval"},
	{"thermal_threshold", "thermal-threshold"},
	{"power_threshold", "power-threshold"},
	{"thermal", "thermal"},
	{"power", "power"},
	{"hardware", "hardware"},
	{"detect_changes", "detect-changes"},
	{"background", "background"},
	{"provider_timeout", "provider-timeout"},
	{"broadcast_capacity", "broadcast-capacity"},
	{"workload_intensity", "workload-intensity"},
	{"predict_every", "predict-every"},
	{"log_level", "log-level"},
	{"listen", "listen"},
	{"allowed_origins", "allowed-origins"},
	{"no_gpu", "no-gpu"},
	{"rapl_path", "rapl-path"},
}

func setDefaults(v *viper.Viper) {
	defaults := monitor.DefaultConfig()

	v.SetDefault("interval", defaults.Interval)
	v.SetDefault("thermal_threshold", defaults.ThermalThreshold)
	v.SetDefault("power_threshold", 0.0)
	v.SetDefault("thermal", defaults.EnableThermal)
	v.SetDefault("power", defaults.EnablePower)
	v.SetDefault("hardware", defaults.EnableHardware)
	v.SetDefault("detect_changes", defaults.DetectChanges)
	v.SetDefault("background", defaults.Background)
	v.SetDefault("provider_timeout", time.Duration(0))
	v.SetDefault("broadcast_capacity", defaults.BroadcastCapacity)
	v.SetDefault("workload_intensity", DefaultWorkloadIntensity)
	v.SetDefault("predict_every", DefaultPredictEvery)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("listen", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("no_gpu", false)
	v.SetDefault("rapl_path", "")
}

func newFlagSet() *pflag.FlagSet {
	defaults := monitor.DefaultConfig()

	fs := pflag.NewFlagSet("hwmonitor", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.Duration("interval", defaults.Interval, "Interval between samples")
	fs.Float64("thermal-threshold", defaults.ThermalThreshold, "Temperature in °C that raises a thermal alert")
	fs.Float64("power-threshold", 0, "Total power draw in watts that raises a power alert (0 disables)")
	fs.Bool("thermal", defaults.EnableThermal, "Sample temperature sensors")
	fs.Bool("power", defaults.EnablePower, "Sample power draw")
	fs.Bool("hardware", defaults.EnableHardware, "Sample hardware inventory")
	fs.Bool("detect-changes", defaults.DetectChanges, "Report hardware changes between samples")
	fs.Bool("background", defaults.Background, "Only log alerts and errors, not every sample")
	fs.Duration("provider-timeout", 0, "Timeout for each hardware query (0 uses the interval)")
	fs.Int("broadcast-capacity", defaults.BroadcastCapacity, "Events retained for slow stream clients")
	fs.Float64("workload-intensity", DefaultWorkloadIntensity, "Expected workload intensity (0-1) for throttling forecasts")
	fs.Duration("predict-every", DefaultPredictEvery, "How often to log a throttling forecast (0 disables)")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("listen", "", "Address for the websocket event stream, e.g. :9273")
	fs.StringSlice("allowed-origins", nil, "Origins allowed to open the event stream")
	fs.Bool("no-gpu", false, "Do not load NVML")
	fs.String("rapl-path", "", "Path to the RAPL powercap zone")
	return fs
}

// Load reads the configuration from all sources and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for _, b := range bindings {
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if flagPath, _ := fs.GetString("config"); flagPath != "" {
		path = flagPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("hwmonitor")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}
	return nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PowerThreshold < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "power threshold must not be negative")
	}
	if c.WorkloadIntensity < 0 || c.WorkloadIntensity > 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "workload intensity must be between 0 and 1")
	}
	if c.PredictEvery < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "predict interval must not be negative")
	}

	return c.Monitor().Validate()
}

// Monitor converts the settings into a monitor configuration.
func (c *Config) Monitor() monitor.Config {
	cfg := monitor.Config{
		Interval:          c.Interval,
		EnableThermal:     c.EnableThermal,
		EnablePower:       c.EnablePower,
		EnableHardware:    c.EnableHardware,
		ThermalThreshold:  c.ThermalThreshold,
		Background:        c.Background,
		ProviderTimeout:   c.ProviderTimeout,
		BroadcastCapacity: c.BroadcastCapacity,
		DetectChanges:     c.DetectChanges,
	}
	if c.PowerThreshold > 0 {
		cfg = cfg.WithPowerThreshold(c.PowerThreshold)
	}
	return cfg
}

// LoggerLevel returns the parsed log level; Load has already validated it.
func (c *Config) LoggerLevel() logger.LogLevel {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return logger.InfoLevel
	}
	return level
}
