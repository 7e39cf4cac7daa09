package governor

import (
	"sort"
	"sync"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
)

const ErrUnknownGovernor = errors.ErrorCode("governor_unknown")

// Governor translates a load into a target frequency for a domain.
type Governor interface {
	Name() string
	Start(d *dvfs.Domain)
	Stop(d *dvfs.Domain)
	Target(d *dvfs.Domain, load uint32) dvfs.Freq
}

// Config tunes the simple governor. Loads use the tracker's scale, where
// 10000 means the session exactly meets its requested time per frame.
type Config struct {
	UpThreshold   uint32
	DownThreshold uint32
	DownDelay     int
}

type factory func(Config) Governor

var registry = map[string]factory{
	"simple":      func(cfg Config) Governor { return newSimple(cfg) },
	"performance": func(Config) Governor { return &performance{} },
	"powersave":   func(Config) Governor { return &powersave{} },
	"userspace":   func(Config) Governor { return newUserspace() },
}

// New instantiates the governor called name.
func New(name string, cfg Config) (Governor, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.New().WithData(ErrUnknownGovernor, name)
	}

	return f(cfg), nil
}

// Names lists the registered governors.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)

	return out
}

// simple steps one table entry up when the load is above UpThreshold and
// one down after DownDelay consecutive ticks below DownThreshold.
type simple struct {
	cfg Config

	mu   sync.Mutex
	down map[string]int
}

func newSimple(cfg Config) *simple {
	if cfg.UpThreshold == 0 {
		cfg.UpThreshold = 9000
	}
	if cfg.DownThreshold == 0 || cfg.DownThreshold > cfg.UpThreshold {
		cfg.DownThreshold = cfg.UpThreshold * 2 / 3
	}

	return &simple{cfg: cfg, down: make(map[string]int)}
}

func (*simple) Name() string { return "simple" }

func (g *simple) Start(d *dvfs.Domain) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down[d.Name()] = 0
}

func (g *simple) Stop(d *dvfs.Domain) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.down, d.Name())
}

func (g *simple) Target(d *dvfs.Domain, load uint32) dvfs.Freq {
	g.mu.Lock()
	defer g.mu.Unlock()

	table := d.Table()
	idx := table.Index(d.CurFreq())

	switch {
	case load >= g.cfg.UpThreshold:
		g.down[d.Name()] = 0
		idx++
	case load < g.cfg.DownThreshold:
		g.down[d.Name()]++
		if g.down[d.Name()] >= g.cfg.DownDelay {
			g.down[d.Name()] = 0
			idx--
		}
	default:
		g.down[d.Name()] = 0
	}

	return table.At(idx)
}

type performance struct{}

func (*performance) Name() string { return "performance" }

func (*performance) Start(*dvfs.Domain) {}

func (*performance) Stop(*dvfs.Domain) {}

func (*performance) Target(d *dvfs.Domain, _ uint32) dvfs.Freq {
	return d.MaxFreq()
}

type powersave struct{}

func (*powersave) Name() string { return "powersave" }

func (*powersave) Start(*dvfs.Domain) {}

func (*powersave) Stop(*dvfs.Domain) {}

func (*powersave) Target(d *dvfs.Domain, _ uint32) dvfs.Freq {
	return d.MinFreq()
}

// Userspace holds a fixed frequency per domain, set from outside.
type Userspace struct {
	mu    sync.Mutex
	freqs map[string]dvfs.Freq
}

func newUserspace() *Userspace {
	return &Userspace{freqs: make(map[string]dvfs.Freq)}
}

func (*Userspace) Name() string { return "userspace" }

func (u *Userspace) Start(d *dvfs.Domain) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.freqs[d.Name()]; !ok {
		u.freqs[d.Name()] = d.CurFreq()
	}
}

func (u *Userspace) Stop(d *dvfs.Domain) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.freqs, d.Name())
}

// Set pins domain to f from the next tick on.
func (u *Userspace) Set(domain string, f dvfs.Freq) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.freqs[domain] = f
}

func (u *Userspace) Target(d *dvfs.Domain, _ uint32) dvfs.Freq {
	u.mu.Lock()
	defer u.mu.Unlock()

	if f, ok := u.freqs[d.Name()]; ok {
		return f
	}
	return d.CurFreq()
}
