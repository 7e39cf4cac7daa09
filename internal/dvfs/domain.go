package dvfs

import (
	"sync"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
)

// ClockDriver performs the hardware frequency write for a domain.
type ClockDriver interface {
	SetFrequency(domain string, f Freq) (Freq, error)
	Frequency(domain string) (Freq, error)
}

// Options describe a domain beyond its frequency table.
type Options struct {
	Name     string
	IP       IPType
	Device   string
	Governor string
	Delay    time.Duration
	// ModeMin holds the per-mode frequency floor indexed by mode.
	ModeMin []Freq
}

// Domain is a frequency domain governed by a set of constraint voters.
//
// The scheduler-owned fields (Activated, IsInitFreq, Remaining) are guarded
// by the exec lock of the Set the domain belongs to. Voter state is guarded
// by the domain's own mutex, which is always the innermost lock.
type Domain struct {
	Activated  bool
	IsInitFreq bool
	Remaining  time.Duration

	opts   Options
	table  *Table
	driver ClockDriver
	log    logger.Logger

	mu       sync.Mutex
	minFreq  Freq
	maxFreq  Freq
	curFreq  Freq
	limitMin Freq
	limitMax Freq
	// unsynced is set while the driver has not accepted limitMin.
	unsynced bool
	static   [numStatic]*Voter
	dynamic  []*Voter
}

func NewDomain(opts Options, table *Table, driver ClockDriver, log logger.Logger) *Domain {
	d := &Domain{
		opts:     opts,
		table:    table,
		driver:   driver,
		log:      log,
		minFreq:  table.Min(),
		maxFreq:  table.Max(),
		curFreq:  table.Min(),
		limitMin: table.Min(),
		limitMax: table.Max(),
	}

	for k := range d.static {
		d.static[k] = newVoter(Kind(k), "")
	}

	if driver != nil {
		if f, err := driver.Frequency(opts.Name); err == nil && f != 0 {
			d.curFreq = f
		}
	}

	return d
}

func (d *Domain) Name() string { return d.opts.Name }

func (d *Domain) IP() IPType { return d.opts.IP }

func (d *Domain) Device() string { return d.opts.Device }

func (d *Domain) Governor() string { return d.opts.Governor }

func (d *Domain) Delay() time.Duration { return d.opts.Delay }

func (d *Domain) Table() *Table { return d.table }

// ModeFloor returns the minimum frequency configured for mode m, or 0.
func (d *Domain) ModeFloor(m int) Freq {
	if m < 0 || m >= len(d.opts.ModeMin) {
		return 0
	}

	return d.opts.ModeMin[m]
}

func (d *Domain) MinFreq() Freq {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minFreq
}

func (d *Domain) MaxFreq() Freq {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFreq
}

func (d *Domain) CurFreq() Freq {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curFreq
}

// Limits returns the aggregated floor and ceiling.
func (d *Domain) Limits() (Freq, Freq) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limitMin, d.limitMax
}

// Vote returns the raw value held by a static voter.
func (d *Domain) Vote(kind Kind) Freq {
	if kind < 0 || int(kind) >= numStatic {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.static[kind].value
}

// SetVoter stores a new vote for one of the domain's static voters and
// returns the vote clamped into [MinFreq, MaxFreq].
func (d *Domain) SetVoter(kind Kind, f Freq) (Freq, error) {
	if kind < 0 || int(kind) >= numStatic {
		return 0, errors.New().WithData(ErrUnknownVoter, kind.String())
	}

	return d.Update(d.static[kind], f)
}

// ClearVoter returns a static voter to its no-constraint value.
func (d *Domain) ClearVoter(kind Kind) error {
	if kind < 0 || int(kind) >= numStatic {
		return errors.New().WithData(ErrUnknownVoter, kind.String())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.static[kind].reset()
	return d.aggregate()
}

// AddVoter attaches a new dynamic voter owned by owner.
func (d *Domain) AddVoter(kind Kind, owner string) *Voter {
	v := newVoter(kind, owner)

	d.mu.Lock()
	d.dynamic = append(d.dynamic, v)
	d.mu.Unlock()

	return v
}

// RemoveVoter detaches v and re-aggregates without it.
func (d *Domain) RemoveVoter(v *Voter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, x := range d.dynamic {
		if x == v {
			d.dynamic = append(d.dynamic[:i], d.dynamic[i+1:]...)
			return d.aggregate()
		}
	}

	return errors.New().WithData(ErrUnknownVoter, v.owner)
}

// Update stores f for v and re-aggregates.
func (d *Domain) Update(v *Voter, f Freq) (Freq, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v.value = f
	clamped := clamp(f, d.minFreq, d.maxFreq)

	return clamped, d.aggregate()
}

// SetMaxFreq lowers (or restores) the domain's hardware maximum to
// min(table maximum, f) and pins the max-dvfs-cmd voter to it.
func (d *Domain) SetMaxFreq(f Freq) (Freq, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ceil := f
	if ceil > d.table.Max() {
		ceil = d.table.Max()
	}
	if ceil < d.minFreq {
		ceil = d.minFreq
	}

	d.maxFreq = ceil
	d.static[MaxDvfsCmd].value = ceil

	return ceil, d.aggregate()
}

// Reset returns every voter to its no-constraint value and restores the
// table maximum.
func (d *Domain) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, v := range d.static {
		v.reset()
	}
	for _, v := range d.dynamic {
		v.reset()
	}
	d.maxFreq = d.table.Max()

	return d.aggregate()
}

// aggregate recomputes the bounds from every voter and pushes them to the
// driver when they change. The ceiling wins over the floor.
func (d *Domain) aggregate() error {
	lo, hi := d.minFreq, d.maxFreq

	fold := func(v *Voter) {
		f := clamp(v.value, d.minFreq, d.maxFreq)
		switch v.kind.Class() {
		case ClassMin:
			if f > lo {
				lo = f
			}
		case ClassMax:
			if f < hi {
				hi = f
			}
		}
	}

	for _, v := range d.static {
		fold(v)
	}
	for _, v := range d.dynamic {
		fold(v)
	}

	if lo > hi {
		lo = hi
	}

	if lo == d.limitMin && hi == d.limitMax && !d.unsynced {
		return nil
	}

	d.limitMin, d.limitMax = lo, hi

	if d.driver == nil {
		d.curFreq = lo
		return nil
	}

	actual, err := d.driver.SetFrequency(d.opts.Name, lo)
	if err != nil {
		e := errors.New().Wrap(ErrSetFrequency, err)
		d.log.ErrorWithCode(e).
			Str("domain", d.opts.Name).
			Uint32("target", uint32(lo)).
			Msg("Failed to set domain frequency")
		d.unsynced = true
		return e
	}
	d.unsynced = false
	d.curFreq = actual

	return nil
}
