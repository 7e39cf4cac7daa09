package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultLogLevel            = LogLevelInfo
	DefaultPeriod              = 50 * time.Millisecond
	DefaultLoadPolicy          = "fps"
	DefaultFPSPolicy           = "max"
	DefaultLoadWindow          = 1
	MaxLoadWindow              = 64
	DefaultRequestedTPF        = 33333 * time.Microsecond
	DefaultResetFrameNum       = 3
	DefaultFreqIntervalDivisor = 10
	DefaultBoostTimeout        = 20 * time.Millisecond
	DefaultFirmwareTimeout     = 500 * time.Millisecond
	DefaultRetryCount          = 10
	DefaultRetryInterval       = 10 * time.Millisecond
	DefaultPIDPeriod           = 1
	DefaultPIDBufSize          = 8
	DefaultPIDMargin           = 50000
	DefaultTelemetryDBPath     = "/var/lib/npuctl/telemetry.db"
	DefaultMetricsAddr         = ""
	DefaultPlatform            = "sim"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", string(DefaultLogLevel))
	v.SetDefault("monitor", false)
	v.SetDefault("platform", DefaultPlatform)
	v.SetDefault("metrics_addr", DefaultMetricsAddr)
	v.SetDefault("secure_mode", false)

	v.SetDefault("scheduler.period", DefaultPeriod)
	v.SetDefault("scheduler.load_policy", DefaultLoadPolicy)
	v.SetDefault("scheduler.fps_policy", DefaultFPSPolicy)
	v.SetDefault("scheduler.load_window", DefaultLoadWindow)
	v.SetDefault("scheduler.tpf_others", time.Duration(0))
	v.SetDefault("scheduler.requested_tpf", DefaultRequestedTPF)
	v.SetDefault("scheduler.reset_frame_num", DefaultResetFrameNum)
	v.SetDefault("scheduler.freq_interval_divisor", DefaultFreqIntervalDivisor)
	v.SetDefault("scheduler.boost_timeout", DefaultBoostTimeout)

	v.SetDefault("governor.up_threshold", 9000)
	v.SetDefault("governor.down_threshold", 6000)
	v.SetDefault("governor.down_delay", 2)

	v.SetDefault("thermal.enabled", true)
	v.SetDefault("thermal.threshold", 95000)
	v.SetDefault("thermal.reduced_index", 2)
	v.SetDefault("thermal.pid_enable", false)
	v.SetDefault("thermal.p_gain", 80)
	v.SetDefault("thermal.i_gain", 10)
	v.SetDefault("thermal.inv_gain", 50)
	v.SetDefault("thermal.target", 0)
	v.SetDefault("thermal.max_clock", 0)
	v.SetDefault("thermal.margin", DefaultPIDMargin)
	v.SetDefault("thermal.period", DefaultPIDPeriod)
	v.SetDefault("thermal.buf_size", DefaultPIDBufSize)

	v.SetDefault("firmware.timeout", DefaultFirmwareTimeout)
	v.SetDefault("firmware.retry_count", DefaultRetryCount)
	v.SetDefault("firmware.retry_interval", DefaultRetryInterval)

	v.SetDefault("llc.chunk_size", 512*1024)
	v.SetDefault("llc.max_ways", 16)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.db_path", DefaultTelemetryDBPath)
	v.SetDefault("telemetry.batch_size", 20)
	v.SetDefault("telemetry.batch_timeout", 5*time.Second)
}

// DefaultTopology returns the two-core NPU layout used when the
// configuration file declares no domains.
func DefaultTopology() ([]DomainConfig, []DeviceConfig, []LUTRow, map[string][]DvfsCmdConfig) {
	coreFreqs := []uint32{200000, 400000, 600000, 800000, 1000000, 1200000}
	dncFreqs := []uint32{200000, 400000, 600000, 800000, 1000000}

	domains := []DomainConfig{
		{Name: "NPU0", Frequencies: coreFreqs, Governor: "simple", IP: "core", Device: "NPU0",
			ModeMin: map[string]uint32{"boost": 1200000, "dn": 600000, "boostonexe": 1000000}},
		{Name: "NPU1", Frequencies: coreFreqs, Governor: "simple", IP: "core", Device: "NPU1",
			ModeMin: map[string]uint32{"boost": 1200000, "dn": 600000, "boostonexe": 1000000}},
		{Name: "DSP", Frequencies: coreFreqs, Governor: "simple", IP: "core", Device: "DSP"},
		{Name: "DNC", Frequencies: dncFreqs, Governor: "simple", IP: "dnc", Device: "DNC",
			ModeMin: map[string]uint32{"boost": 1000000}},
	}

	devices := []DeviceConfig{
		{Name: "DNC", Kind: "dnc"},
		{Name: "NPU0", Kind: "npu", Parent: "DNC"},
		{Name: "NPU1", Kind: "npu", Parent: "DNC"},
		{Name: "DSP", Kind: "dsp", Parent: "DNC"},
	}

	lut := []LUTRow{
		{Core: 1200000, DNC: 1000000},
		{Core: 1000000, DNC: 800000},
		{Core: 800000, DNC: 600000},
		{Core: 600000, DNC: 400000},
		{Core: 400000, DNC: 200000},
		{Core: 200000, DNC: 200000},
	}

	cmds := map[string][]DvfsCmdConfig{
		"open": {
			{Domain: "NPU0", Kind: "min", Freq: 400000},
			{Domain: "NPU1", Kind: "min", Freq: 400000},
		},
		"close": {
			{Domain: "NPU0", Kind: "min", Freq: 200000},
			{Domain: "NPU1", Kind: "min", Freq: 200000},
		},
	}

	return domains, devices, lut, cmds
}
