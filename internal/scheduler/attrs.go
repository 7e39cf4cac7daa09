package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/mode"
)

const (
	maxPeriodMS    = 10000
	maxPIDTargetMC = 150000
)

type attr struct {
	read  func() string
	write func(string) error
}

// Attrs is the text parameter surface of a Context, one value per name.
// Reads only touch atomics and per-component locks, never the exec lock.
type Attrs struct {
	s     *Context
	table map[string]attr
}

// Attrs returns the parameter surface.
func (s *Context) Attrs() *Attrs {
	a := &Attrs{s: s}
	a.table = map[string]attr{
		"enable": {
			read: func() string { return boolString(s.enabled.Load()) },
			write: func(v string) error {
				on, err := parseBool(v)
				if err != nil {
					return err
				}
				return s.setDVFSEnabled(on)
			},
		},
		"monitor": {
			read: func() string { return boolString(s.monitor.Load()) },
			write: func(v string) error {
				on, err := parseBool(v)
				if err != nil {
					return err
				}
				s.monitor.Store(on)
				return nil
			},
		},
		"mode": {
			read: func() string {
				m := s.arb.Current()
				return fmt.Sprintf("%d %s", int(m), m)
			},
		},
		"modes": {
			read: func() string {
				var b strings.Builder
				for i, n := range mode.Names() {
					fmt.Fprintf(&b, "%d %s\n", i, n)
				}
				return b.String()
			},
		},
		"period": {
			read: func() string { return strconv.FormatInt(s.Period().Milliseconds(), 10) },
			write: func(v string) error {
				ms, err := parseRange(v, 1, maxPeriodMS)
				if err != nil {
					return err
				}
				s.period.Store(int64(time.Duration(ms) * time.Millisecond))
				return nil
			},
		},
		"load": {
			read: func() string { return strconv.FormatUint(uint64(s.lastLoad.Load()), 10) },
		},
		"fps": {
			read: a.readFPS,
		},
		"temperature": {
			read: func() string { return strconv.Itoa(s.dtm.Temperature()) },
		},
		"pid_target": {
			read: func() string { return strconv.Itoa(s.dtm.Config().Target) },
			write: func(v string) error {
				t, err := parseRange(v, 0, maxPIDTargetMC)
				if err != nil {
					return err
				}
				s.dtm.SetTarget(int(t))
				return nil
			},
		},
		"pid_p_gain":   a.gainAttr(func(c *[3]int) *int { return &c[0] }),
		"pid_i_gain":   a.gainAttr(func(c *[3]int) *int { return &c[1] }),
		"pid_inv_gain": a.gainAttr(func(c *[3]int) *int { return &c[2] }),
		"pid_max_clk": {
			read: func() string { return strconv.FormatUint(uint64(s.dtm.Config().MaxClock), 10) },
			write: func(v string) error {
				f, err := parseRange(v, 0, uint64(dvfs.NoLimit))
				if err != nil {
					return err
				}
				s.dtm.SetMaxClock(dvfs.Freq(f))
				return nil
			},
		},
		"pid_period": {
			read: func() string { return strconv.Itoa(s.dtm.Config().Period) },
			write: func(v string) error {
				p, err := parseRange(v, 1, 1000)
				if err != nil {
					return err
				}
				return s.dtm.SetPeriod(int(p))
			},
		},
		"ip_max_freq": {
			read: func() string {
				var b strings.Builder
				for _, d := range s.domains.Domains() {
					fmt.Fprintf(&b, "%s %d\n", d.Name(), uint32(d.MaxFreq()))
				}
				return b.String()
			},
		},
		"boost": {
			read: func() string { return strconv.Itoa(s.Boosting()) },
			write: func(v string) error {
				on, err := parseBool(v)
				if err != nil {
					return err
				}
				if on {
					s.BoostOn()
				} else {
					s.BoostOff()
				}
				return nil
			},
		},
		"load_policy": {
			read: func() string { return load.Source(s.source.Load()).String() },
			write: func(v string) error {
				src, err := load.ParseSource(strings.TrimSpace(v))
				if err != nil {
					return errors.New().Wrap(ErrInvalidAttr, err)
				}
				s.source.Store(int32(src))
				return nil
			},
		},
		"fps_policy": {
			read: func() string { return load.Policy(s.policy.Load()).String() },
			write: func(v string) error {
				p, err := load.ParsePolicy(strings.TrimSpace(v))
				if err != nil {
					return errors.New().Wrap(ErrInvalidAttr, err)
				}
				s.policy.Store(int32(p))
				return nil
			},
		},
		"load_window": {
			read: func() string { return strconv.Itoa(int(s.windowSize.Load())) },
			write: func(v string) error {
				n, err := parseRange(v, 1, load.MaxWindow)
				if err != nil {
					return err
				}
				s.lockExec()
				s.window.Resize(int(n))
				for _, w := range s.windows {
					w.Resize(int(n))
				}
				s.unlockExec()
				s.windowSize.Store(int32(n))
				return nil
			},
		},
	}

	return a
}

// Names lists the attributes in sorted order.
func (a *Attrs) Names() []string {
	names := make([]string, 0, len(a.table))
	for n := range a.table {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

func (a *Attrs) Read(name string) (string, error) {
	at, ok := a.table[name]
	if !ok {
		return "", errors.New().WithData(ErrUnknownAttr, name)
	}

	return at.read(), nil
}

// Write parses and applies value. Out-of-range input is rejected and
// leaves the attribute unchanged.
func (a *Attrs) Write(name, value string) error {
	errFactory := errors.New()

	at, ok := a.table[name]
	if !ok {
		return errFactory.WithData(ErrUnknownAttr, name)
	}
	if at.write == nil {
		return errFactory.WithData(ErrReadOnlyAttr, name)
	}

	if err := at.write(value); err != nil {
		return err
	}

	a.s.log.Debug().Str("attr", name).Str("value", strings.TrimSpace(value)).Msg("Attribute written")

	return nil
}

func (a *Attrs) readFPS() string {
	var sessions []load.Session
	a.s.withLoad(func() {
		sessions = a.s.tracker.Sessions()
	})

	var b strings.Builder
	for _, sess := range sessions {
		fmt.Fprintf(&b, "%d %d %d %d\n",
			sess.UID, sess.FPSLoad, sess.TPF.Microseconds(), sess.RequestedTPF.Microseconds())
	}

	return b.String()
}

// gainAttr exposes one of the three PID gains; pick selects it from the
// (p, i, inv) triple.
func (a *Attrs) gainAttr(pick func(*[3]int) *int) attr {
	current := func() [3]int {
		c := a.s.dtm.Config()
		return [3]int{c.PGain, c.IGain, c.InvGain}
	}

	return attr{
		read: func() string {
			g := current()
			return strconv.Itoa(*pick(&g))
		},
		write: func(v string) error {
			n, err := parseRange(v, 0, 100000)
			if err != nil {
				return err
			}
			g := current()
			*pick(&g) = int(n)
			return a.s.dtm.SetGains(g[0], g[1], g[2])
		},
	}
}

func parseRange(v string, lo, hi uint64) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil || n < lo || n > hi {
		return 0, errors.New().WithData(ErrInvalidAttr, struct {
			Value  string
			Lo, Hi uint64
		}{v, lo, hi})
	}

	return n, nil
}

func parseBool(v string) (bool, error) {
	n, err := parseRange(v, 0, 1)
	return n == 1, err
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
