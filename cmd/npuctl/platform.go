package main

import (
	"codeberg.org/mutker/npuctl/internal/config"
	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/platform/gpu"
	"codeberg.org/mutker/npuctl/internal/platform/sim"
	"codeberg.org/mutker/npuctl/internal/scheduler"
)

const (
	simTemperature = 45000
	gpuIndex       = 0
)

type platform struct {
	deps  scheduler.Deps
	close func() error
}

// openPlatform builds the hardware hooks. Power rails, firmware images and
// the firmware channel are always simulated; "nvml" replaces the clock
// driver and temperature sensor with the first NVIDIA GPU.
func openPlatform(cfg *config.Config, log logger.Logger) (*platform, error) {
	p := &platform{
		deps: scheduler.Deps{
			Rail:    sim.NewRail(),
			Loader:  sim.NewLoader(),
			Channel: sim.NewChannel(),
			Logger:  logger.New("scheduler"),
		},
		close: func() error { return nil },
	}

	switch cfg.Platform {
	case "nvml":
		b, err := gpu.Open(gpuIndex, log)
		if err != nil {
			return nil, err
		}
		checkGPUTables(cfg, b, log)
		p.deps.Clock = b
		p.deps.Sensor = b
		p.close = b.Close
	case "sim", "":
		clock := sim.NewClock()
		for _, d := range cfg.Domains {
			steps := make([]dvfs.Freq, len(d.Frequencies))
			for i, f := range d.Frequencies {
				steps[i] = dvfs.Freq(f)
			}
			clock.SetTable(d.Name, steps)
		}
		p.deps.Clock = clock
		p.deps.Sensor = sim.NewSensor(simTemperature)
	default:
		return nil, errors.New().WithData(errors.ErrInvalidConfig, cfg.Platform)
	}

	log.Info().Str("platform", cfg.Platform).Msg("Platform ready")

	return p, nil
}

// checkGPUTables warns about domain steps the GPU cannot reach.
func checkGPUTables(cfg *config.Config, b *gpu.Backend, log logger.Logger) {
	maxFreq, err := b.MaxFrequency()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read GPU max clock")
		return
	}

	for _, d := range cfg.Domains {
		if n := len(d.Frequencies); n > 0 && dvfs.Freq(d.Frequencies[n-1]) > maxFreq {
			log.Warn().
				Str("domain", d.Name).
				Uint32("table_max_khz", d.Frequencies[n-1]).
				Uint32("gpu_max_khz", uint32(maxFreq)).
				Msg("Domain table exceeds GPU clock range")
		}
	}
}
