// Package gpu drives the scheduler against an NVIDIA GPU through NVML, for
// development hosts without NPU hardware. Every frequency domain maps onto
// the GPU graphics clock, and the die temperature feeds thermal management.
package gpu

import (
	"context"
	"sync"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	kHzPerMHz        = 1000
	milliCPerCelsius = 1000
)

// device is the subset of nvml.Device the backend uses.
type device interface {
	GetName() (string, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
	GetClockInfo(nvml.ClockType) (uint32, nvml.Return)
	GetMaxClockInfo(nvml.ClockType) (uint32, nvml.Return)
	SetGpuLockedClocks(minMHz, maxMHz uint32) nvml.Return
	ResetGpuLockedClocks() nvml.Return
}

// Backend implements dvfs.ClockDriver and thermal.Sensor.
type Backend struct {
	dev      device
	log      logger.Logger
	shutdown func() nvml.Return

	mu       sync.Mutex
	requests map[string]dvfs.Freq
	locked   dvfs.Freq
}

// Open initializes NVML and binds the GPU at index.
func Open(index int, log logger.Logger) (*Backend, error) {
	errFactory := errors.New()

	if ret := nvml.Init(); !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		nvml.Shutdown()
		return nil, errFactory.WithData(ErrDeviceNotFound, struct {
			Index int
			Error string
		}{index, nvml.ErrorString(ret)})
	}

	b := newBackend(dev, log)
	b.shutdown = nvml.Shutdown

	if name, ret := dev.GetName(); IsNVMLSuccess(ret) {
		log.Info().Str("name", name).Int("index", index).Msg("Detected GPU")
	} else {
		log.Warn().Str("error", nvml.ErrorString(ret)).Msg("Failed to get GPU name")
	}

	return b, nil
}

func newBackend(dev device, log logger.Logger) *Backend {
	return &Backend{
		dev:      dev,
		log:      log,
		requests: make(map[string]dvfs.Freq),
	}
}

// Temperature returns the GPU die temperature in millidegrees Celsius.
func (b *Backend) Temperature(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	temp, ret := b.dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	return int(temp) * milliCPerCelsius, nil
}

// SetFrequency records the domain's request and locks the graphics clock to
// the highest request across all domains. The achieved clock is returned.
func (b *Backend) SetFrequency(domain string, f dvfs.Freq) (dvfs.Freq, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests[domain] = f

	var want dvfs.Freq
	for _, r := range b.requests {
		if r > want {
			want = r
		}
	}

	if want != b.locked {
		mhz := uint32(want) / kHzPerMHz
		if ret := b.dev.SetGpuLockedClocks(mhz, mhz); !IsNVMLSuccess(ret) {
			return 0, errors.New().WithData(ErrSetClockFailed, struct {
				Domain string
				MHz    uint32
				Error  string
			}{domain, mhz, nvml.ErrorString(ret)})
		}
		b.locked = want
		b.log.Debug().
			Str("domain", domain).
			Uint32("mhz", mhz).
			Msg("Locked graphics clock")
	}

	return b.current()
}

// Frequency returns the current graphics clock.
func (b *Backend) Frequency(string) (dvfs.Freq, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

func (b *Backend) current() (dvfs.Freq, error) {
	mhz, ret := b.dev.GetClockInfo(nvml.CLOCK_GRAPHICS)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrClockReadFailed, newNVMLError(ret))
	}
	return dvfs.Freq(mhz * kHzPerMHz), nil
}

// MaxFrequency returns the highest graphics clock the GPU supports.
func (b *Backend) MaxFrequency() (dvfs.Freq, error) {
	mhz, ret := b.dev.GetMaxClockInfo(nvml.CLOCK_GRAPHICS)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrClockReadFailed, newNVMLError(ret))
	}
	return dvfs.Freq(mhz * kHzPerMHz), nil
}

// Close releases the clock lock and shuts NVML down.
func (b *Backend) Close() error {
	errFactory := errors.New()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.locked != 0 {
		if ret := b.dev.ResetGpuLockedClocks(); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrResetClockFailed, newNVMLError(ret))
		}
		b.locked = 0
		b.requests = make(map[string]dvfs.Freq)
	}

	if b.shutdown != nil {
		if ret := b.shutdown(); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
		}
		b.shutdown = nil
	}

	return nil
}
