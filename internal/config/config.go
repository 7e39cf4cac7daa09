package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	configName      = "npuctl"
	configType      = "toml"
	defaultEnvPfx   = "NPUCTL"
	configPathEnvFx = "_CONFIG"
)

type Config struct {
	LogLevel    LogLevel `mapstructure:"log_level"`
	Monitor     bool     `mapstructure:"monitor"`
	Platform    string   `mapstructure:"platform"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	SecureMode  bool     `mapstructure:"secure_mode"`

	Scheduler SchedulerConfig            `mapstructure:"scheduler"`
	Governor  GovernorConfig             `mapstructure:"governor"`
	Thermal   ThermalConfig              `mapstructure:"thermal"`
	Firmware  FirmwareConfig             `mapstructure:"firmware"`
	LLC       LLCConfig                  `mapstructure:"llc"`
	Telemetry TelemetryConfig            `mapstructure:"telemetry"`
	Domains   []DomainConfig             `mapstructure:"domain"`
	Devices   []DeviceConfig             `mapstructure:"device"`
	LUT       []LUTRow                   `mapstructure:"lut"`
	DvfsCmds  map[string][]DvfsCmdConfig `mapstructure:"dvfs_cmd"`
}

type SchedulerConfig struct {
	Period              time.Duration `mapstructure:"period"`
	LoadPolicy          string        `mapstructure:"load_policy"`
	FPSPolicy           string        `mapstructure:"fps_policy"`
	LoadWindow          int           `mapstructure:"load_window"`
	TPFOthers           time.Duration `mapstructure:"tpf_others"`
	RequestedTPF        time.Duration `mapstructure:"requested_tpf"`
	ResetFrameNum       int           `mapstructure:"reset_frame_num"`
	FreqIntervalDivisor int           `mapstructure:"freq_interval_divisor"`
	BoostTimeout        time.Duration `mapstructure:"boost_timeout"`
}

type GovernorConfig struct {
	UpThreshold   uint32 `mapstructure:"up_threshold"`
	DownThreshold uint32 `mapstructure:"down_threshold"`
	DownDelay     int    `mapstructure:"down_delay"`
}

// ThermalConfig temperatures are in millidegrees Celsius, clocks in kHz.
type ThermalConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Threshold    int    `mapstructure:"threshold"`
	ReducedIndex int    `mapstructure:"reduced_index"`
	PIDEnable    bool   `mapstructure:"pid_enable"`
	PGain        int    `mapstructure:"p_gain"`
	IGain        int    `mapstructure:"i_gain"`
	InvGain      int    `mapstructure:"inv_gain"`
	Target       int    `mapstructure:"target"`
	MaxClock     uint32 `mapstructure:"max_clock"`
	Margin       uint32 `mapstructure:"margin"`
	Period       int    `mapstructure:"period"`
	BufSize      int    `mapstructure:"buf_size"`
}

type FirmwareConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// LLCConfig budgets are keyed by mode name and expressed in KiB.
type LLCConfig struct {
	ChunkSize uint32            `mapstructure:"chunk_size"`
	MaxWays   uint32            `mapstructure:"max_ways"`
	Budgets   map[string]uint32 `mapstructure:"budgets"`
}

type TelemetryConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// DomainConfig describes one frequency domain. Frequencies are in kHz.
type DomainConfig struct {
	Name        string            `mapstructure:"name"`
	Frequencies []uint32          `mapstructure:"frequencies"`
	Governor    string            `mapstructure:"governor"`
	IP          string            `mapstructure:"ip"`
	Device      string            `mapstructure:"device"`
	Delay       time.Duration     `mapstructure:"delay"`
	ModeMin     map[string]uint32 `mapstructure:"mode_min"`
}

type DeviceConfig struct {
	Name   string `mapstructure:"name"`
	Kind   string `mapstructure:"kind"`
	Parent string `mapstructure:"parent"`
}

type LUTRow struct {
	Core uint32 `mapstructure:"core"`
	DNC  uint32 `mapstructure:"dnc"`
}

type DvfsCmdConfig struct {
	Domain string `mapstructure:"domain"`
	Kind   string `mapstructure:"kind"`
	Freq   uint32 `mapstructure:"freq"`
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log_level",
	"monitor":      "monitor",
	"platform":     "platform",
	"metrics-addr": "metrics_addr",
	"period":       "scheduler.period",
	"telemetry":    "telemetry.enabled",
	"secure":       "secure_mode",
}

func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: defaultEnvPfx}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet && len(os.Args) > 1 {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file")
	fs.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	fs.Bool("monitor", false, "Only report load and thermal state, never change frequencies")
	fs.String("platform", DefaultPlatform, "Hardware backend (sim, nvml)")
	fs.String("metrics-addr", DefaultMetricsAddr, "Listen address for the Prometheus endpoint")
	fs.Duration("period", DefaultPeriod, "Scheduler tick period")
	fs.Bool("telemetry", false, "Record scheduler snapshots to the telemetry database")
	fs.Bool("secure", false, "Secure mode: skip device init transitions")

	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	path := o.configPath
	if *configFlag != "" {
		path = *configFlag
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + configPathEnvFx)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc/npuctl")
		v.AddConfigPath("/etc")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Override config file values with command line flags
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if len(cfg.Domains) == 0 {
		domains, devices, lut, cmds := DefaultTopology()
		cfg.Domains = domains
		if len(cfg.Devices) == 0 {
			cfg.Devices = devices
		}
		if len(cfg.LUT) == 0 {
			cfg.LUT = lut
		}
		if cfg.DvfsCmds == nil {
			cfg.DvfsCmds = cmds
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the global settings. Per-domain and per-device problems
// are reported when the affected component is built so that one bad entry
// does not take the whole daemon down.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.Wrap(errors.ErrInvalidLogLevel,
			&fieldError{"log_level", c.LogLevel, "must be one of debug, info, warning, error"})
	}

	if c.Scheduler.Period <= 0 {
		return errFactory.Wrap(errors.ErrInvalidInterval,
			&fieldError{"scheduler.period", c.Scheduler.Period, "must be positive"})
	}

	checks := []struct {
		ok     bool
		field  string
		value  interface{}
		reason string
	}{
		{oneOf(c.Scheduler.LoadPolicy, "idle", "fps", "rq", "fpsrq"),
			"scheduler.load_policy", c.Scheduler.LoadPolicy, "must be one of idle, fps, rq, fpsrq"},
		{oneOf(c.Scheduler.FPSPolicy, "min", "max", "avg", "avg2"),
			"scheduler.fps_policy", c.Scheduler.FPSPolicy, "must be one of min, max, avg, avg2"},
		{c.Scheduler.LoadWindow >= 1 && c.Scheduler.LoadWindow <= MaxLoadWindow,
			"scheduler.load_window", c.Scheduler.LoadWindow, "must be between 1 and 64"},
		{c.Scheduler.RequestedTPF > 0,
			"scheduler.requested_tpf", c.Scheduler.RequestedTPF, "must be positive"},
		{c.Scheduler.FreqIntervalDivisor > 0,
			"scheduler.freq_interval_divisor", c.Scheduler.FreqIntervalDivisor, "must be positive"},
		{c.Firmware.Timeout > 0,
			"firmware.timeout", c.Firmware.Timeout, "must be positive"},
		{c.Firmware.RetryCount >= 1,
			"firmware.retry_count", c.Firmware.RetryCount, "must be at least 1"},
		{c.Thermal.Period >= 1,
			"thermal.period", c.Thermal.Period, "must be at least 1"},
		{c.Thermal.BufSize >= 1,
			"thermal.buf_size", c.Thermal.BufSize, "must be at least 1"},
		{c.LLC.ChunkSize > 0,
			"llc.chunk_size", c.LLC.ChunkSize, "must be positive"},
		{oneOf(c.Platform, "sim", "nvml"),
			"platform", c.Platform, "must be sim or nvml"},
		{!c.Telemetry.Enabled || c.Telemetry.DBPath != "",
			"telemetry.db_path", c.Telemetry.DBPath, "required when telemetry is enabled"},
	}

	for _, chk := range checks {
		if !chk.ok {
			return errFactory.Wrap(errors.ErrInvalidConfig, &fieldError{chk.field, chk.value, chk.reason})
		}
	}

	return nil
}

func oneOf(s string, values ...string) bool {
	for _, v := range values {
		if s == v {
			return true
		}
	}

	return false
}
