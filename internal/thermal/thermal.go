package thermal

import (
	"context"
	"sync"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/mode"
)

// Sensor reports the die temperature in millidegrees Celsius.
type Sensor interface {
	Temperature(ctx context.Context) (int, error)
}

// Config tunes the controller. Temperatures are millidegrees Celsius.
type Config struct {
	Enabled      bool
	Threshold    int
	ReducedIndex int
	PIDEnable    bool
	PGain        int
	IGain        int
	InvGain      int
	// Target of zero means no PID target has been set.
	Target   int
	MaxClock dvfs.Freq
	Margin   dvfs.Freq
	Period   int
	BufSize  int
}

// Regime names the control law that produced a decision.
type Regime int

const (
	RegimeNone Regime = iota
	RegimeTable
	RegimePID
)

func (r Regime) String() string {
	switch r {
	case RegimeTable:
		return "table"
	case RegimePID:
		return "pid"
	}
	return "none"
}

// Decision is the outcome of one controller step.
type Decision struct {
	Regime      Regime
	Temperature int
	Core        dvfs.Freq
	DNC         dvfs.Freq
	// Changed is set when Core differs from the previously issued limit
	// and must be pushed to the domains.
	Changed bool
}

// Controller computes the thermal frequency ceiling once per tick.
type Controller struct {
	sensor Sensor
	lut    *dvfs.LUT
	log    logger.Logger

	mu   sync.Mutex
	cfg  Config
	tick int
	errs []int
	cur  int64
	last dvfs.Freq
	temp int
}

func NewController(cfg Config, sensor Sensor, lut *dvfs.LUT, log logger.Logger) *Controller {
	if cfg.Period < 1 {
		cfg.Period = 1
	}
	if cfg.BufSize < 1 {
		cfg.BufSize = 8
	}

	c := &Controller{
		sensor: sensor,
		lut:    lut,
		log:    log,
		cfg:    cfg,
		errs:   make([]int, cfg.BufSize),
	}
	c.cur = int64(c.maxClock())

	return c
}

// usesTable reports whether mode m is governed by the threshold table
// rather than by the PID loop.
func usesTable(m mode.Mode) bool {
	switch m {
	case mode.Normal, mode.BoostOnExe, mode.DN, mode.CPUBoost:
		return true
	}
	return false
}

func (c *Controller) maxClock() dvfs.Freq {
	if c.cfg.MaxClock != 0 {
		return c.cfg.MaxClock
	}
	return c.lut.Clock(0, dvfs.Core)
}

// Step samples the sensor and computes the ceiling for the current mode.
func (c *Controller) Step(ctx context.Context, m mode.Mode) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled || c.sensor == nil || c.lut == nil || c.lut.Len() == 0 {
		return Decision{}, nil
	}

	temp, err := c.sensor.Temperature(ctx)
	if err != nil {
		return Decision{}, errors.New().Wrap(ErrSensorRead, err)
	}
	c.temp = temp

	d := Decision{Temperature: temp}

	if usesTable(m) && !c.cfg.PIDEnable {
		d.Regime = RegimeTable
		if temp >= c.cfg.Threshold {
			d.Core = c.lut.Clock(c.cfg.ReducedIndex, dvfs.Core)
		} else {
			d.Core = c.lut.Clock(0, dvfs.Core)
		}
	} else {
		d.Regime = RegimePID
		c.tick++
		if c.cfg.Target == 0 || c.tick%c.cfg.Period != 0 {
			d.Core = c.last
			d.DNC = c.lut.Clock(c.lut.IndexOf(c.last, dvfs.Core), dvfs.DNC)
			return d, nil
		}
		d.Core = c.pid(temp)
	}

	d.DNC = c.lut.Clock(c.lut.IndexOf(d.Core, dvfs.Core), dvfs.DNC)
	d.Changed = d.Core != c.last
	c.last = d.Core

	if d.Changed {
		c.log.Debug().
			Str("regime", d.Regime.String()).
			Int("temperature", temp).
			Uint32("core_khz", uint32(d.Core)).
			Uint32("dnc_khz", uint32(d.DNC)).
			Msg("Thermal limit changed")
	}

	return d, nil
}

// pid runs one iteration of the PI loop. Overshoot above the target is
// scaled by the inverse gain so the controller backs off more gently than
// it ramps.
func (c *Controller) pid(temp int) dvfs.Freq {
	idx := (c.tick / c.cfg.Period) % len(c.errs)

	e := c.cfg.Target - temp
	if e < 0 {
		e = e * c.cfg.InvGain / 100
	}
	c.errs[idx] = e

	var sum int64
	for _, v := range c.errs {
		sum += int64(v)
	}

	c.cur += (int64(c.cfg.PGain)*int64(e) + int64(c.cfg.IGain)*sum) / 100

	ceiling := int64(c.maxClock()) + int64(c.cfg.Margin)
	if c.cur > ceiling {
		c.cur = ceiling
	}
	if c.cur < 0 {
		c.cur = 0
	}

	return c.lut.Clock(c.lut.IndexOf(dvfs.Freq(c.cur), dvfs.Core), dvfs.Core)
}

// Reset restarts the PID state at the maximum clock, as on device open.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.errs {
		c.errs[i] = 0
	}
	c.tick = 0
	c.cur = int64(c.maxClock())
	c.last = 0
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Temperature returns the most recent sensor reading.
func (c *Controller) Temperature() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temp
}

// Limit returns the last issued core ceiling, or zero before the first.
func (c *Controller) Limit() dvfs.Freq {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Controller) SetTarget(milliC int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Target = milliC
}

func (c *Controller) SetPIDEnable(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.PIDEnable = on
}

func (c *Controller) SetMaxClock(f dvfs.Freq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxClock = f
}

func (c *Controller) SetGains(p, i, inv int) error {
	if p < 0 || i < 0 || inv < 0 {
		return errors.New().WithData(ErrInvalidParam, struct{ P, I, Inv int }{p, i, inv})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.PGain, c.cfg.IGain, c.cfg.InvGain = p, i, inv

	return nil
}

func (c *Controller) SetPeriod(ticks int) error {
	if ticks < 1 {
		return errors.New().WithData(ErrInvalidParam, ticks)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Period = ticks

	return nil
}
