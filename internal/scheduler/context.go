// Package scheduler ties the frequency domains, device graph, load tracker,
// thermal controller, mode arbitrator and firmware handshake into one
// Context driven by a periodic loop and by the session API.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/npuctl/internal/config"
	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/firmware"
	"codeberg.org/mutker/npuctl/internal/governor"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/mode"
	"codeberg.org/mutker/npuctl/internal/thermal"
	"golang.org/x/time/rate"
)

// Deps are the platform hooks the scheduler drives.
type Deps struct {
	Clock   dvfs.ClockDriver
	Sensor  thermal.Sensor
	Channel firmware.Channel
	Rail    hwdev.PowerRail
	Loader  hwdev.ImageLoader
	Logger  logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Option func(*Context)

// WithLockCheck makes every lock acquisition verify the lock order and
// panic on an inversion.
func WithLockCheck() Option {
	return func(s *Context) {
		s.ranks.enabled = true
	}
}

// Context is the scheduler state. It is created once with New and shared
// by the periodic loop and every API caller.
type Context struct {
	cfg   *config.Config
	log   logger.Logger
	now   func() time.Time
	ranks *lockRanks

	life       context.Context
	lifeCancel context.CancelFunc

	domains *dvfs.Set
	lut     *dvfs.LUT
	cmds    map[string]dvfs.CmdList
	graph   *hwdev.Graph
	devices []load.Device
	tracker *load.Tracker
	dtm     *thermal.Controller
	arb     *mode.Arbitrator
	llc     mode.LLCPolicy
	hs      *firmware.Handshaker
	modes   *firmware.ModeSync
	govs    map[string]governor.Governor

	warnings []error
	warn     *rate.Limiter

	// guarded by paramMu
	paramMu    sync.Mutex
	opened     bool
	loaded     map[int]bool
	bootGuards map[int][]*hwdev.Guard
	initGuards map[int][]*hwdev.Guard
	minVoters  map[int]map[string]*dvfs.Voter
	modeSent   map[int]bool
	unsetTimer *time.Timer
	unsetGen   uint64

	// guarded by the exec lock
	window   *load.Window
	windows  map[string]*load.Window
	lastTick time.Time
	tfi      int

	// guarded by boostMu
	boostMu    sync.Mutex
	boostCount int
	boostTimer *time.Timer
	boostGen   uint64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	enabled      atomic.Bool
	monitor      atomic.Bool
	suspended    atomic.Bool
	period       atomic.Int64
	source       atomic.Int32
	policy       atomic.Int32
	lastLoad     atomic.Uint32
	idle         atomic.Int64
	freqInterval atomic.Int32
	windowSize   atomic.Int32
	hwacg        [3]atomic.Bool
}

// New builds a Context from cfg. Domains, devices, LUT rows and command
// lists that fail validation are skipped and reported by Warnings; only
// global settings and missing platform hooks make New fail.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Context, error) {
	errFactory := errors.New()

	if cfg == nil {
		return nil, errFactory.New(errors.ErrMissingConfig)
	}
	if deps.Clock == nil || deps.Sensor == nil || deps.Channel == nil || deps.Rail == nil || deps.Loader == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "incomplete platform dependencies")
	}

	source, err := load.ParseSource(cfg.Scheduler.LoadPolicy)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	policy, err := load.ParsePolicy(cfg.Scheduler.FPSPolicy)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	life, lifeCancel := context.WithCancel(context.Background())

	s := &Context{
		cfg:        cfg,
		log:        log,
		now:        now,
		ranks:      newLockRanks(false),
		life:       life,
		lifeCancel: lifeCancel,
		domains:    dvfs.NewSet(),
		cmds:       make(map[string]dvfs.CmdList),
		graph:      hwdev.NewGraph(log.With("hwdev")),
		govs:       make(map[string]governor.Governor),
		arb:        mode.NewArbitrator(),
		warn:       rate.NewLimiter(rate.Every(time.Second), 1),
		loaded:     make(map[int]bool),
		bootGuards: make(map[int][]*hwdev.Guard),
		initGuards: make(map[int][]*hwdev.Guard),
		minVoters:  make(map[int]map[string]*dvfs.Voter),
		modeSent:   make(map[int]bool),
		window:     load.NewWindow(cfg.Scheduler.LoadWindow),
		windows:    make(map[string]*load.Window),
		tracker: load.NewTracker(load.Config{
			RequestedTPF:        cfg.Scheduler.RequestedTPF,
			TPFOthers:           cfg.Scheduler.TPFOthers,
			ResetFrameNum:       cfg.Scheduler.ResetFrameNum,
			FreqIntervalDivisor: cfg.Scheduler.FreqIntervalDivisor,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.graph.SetSecure(cfg.SecureMode)
	s.buildDevices(cfg.Devices, deps)
	s.buildDomains(cfg.Domains, deps.Clock)
	s.buildLUT(cfg.LUT)
	s.buildCmds(cfg.DvfsCmds)
	s.buildLLC(cfg.LLC)

	s.dtm = thermal.NewController(thermal.Config{
		Enabled:      cfg.Thermal.Enabled,
		Threshold:    cfg.Thermal.Threshold,
		ReducedIndex: cfg.Thermal.ReducedIndex,
		PIDEnable:    cfg.Thermal.PIDEnable,
		PGain:        cfg.Thermal.PGain,
		IGain:        cfg.Thermal.IGain,
		InvGain:      cfg.Thermal.InvGain,
		Target:       cfg.Thermal.Target,
		MaxClock:     dvfs.Freq(cfg.Thermal.MaxClock),
		Margin:       dvfs.Freq(cfg.Thermal.Margin),
		Period:       cfg.Thermal.Period,
		BufSize:      cfg.Thermal.BufSize,
	}, deps.Sensor, s.lut, log.With("thermal"))

	s.hs = firmware.NewHandshaker(deps.Channel, firmware.Config{
		Timeout:       cfg.Firmware.Timeout,
		RetryCount:    cfg.Firmware.RetryCount,
		RetryInterval: cfg.Firmware.RetryInterval,
	}, log.With("firmware"))
	s.modes = firmware.NewModeSync(s.hs, log.With("modesync"))
	s.graph.OnPowerOn(s.onPowerOn)

	s.enabled.Store(true)
	s.monitor.Store(cfg.Monitor)
	s.period.Store(int64(cfg.Scheduler.Period))
	s.source.Store(int32(source))
	s.policy.Store(int32(policy))
	s.freqInterval.Store(1)
	s.windowSize.Store(int32(s.window.Size()))

	log.Info().
		Int("domains", s.domains.Len()).
		Int("devices", len(s.devices)).
		Int("lut_rows", s.lut.Len()).
		Dur("period", cfg.Scheduler.Period).
		Bool("monitor", cfg.Monitor).
		Msg("Scheduler initialized")

	return s, nil
}

// Warnings returns the configuration problems New skipped over.
func (s *Context) Warnings() []error {
	return append([]error(nil), s.warnings...)
}

func (s *Context) skip(what, name string, err error) {
	wrapped := errors.New().Wrap(ErrConfigSkipped, err).WithData(struct {
		Kind string
		Name string
	}{what, name})
	s.warnings = append(s.warnings, wrapped)
	s.log.Error().Err(err).Str("kind", what).Str("name", name).Msg("Skipping invalid configuration entry")
}

func (s *Context) buildDevices(devs []config.DeviceConfig, deps Deps) {
	for _, dc := range devs {
		kind := hwdev.Kind(dc.Kind)
		ops, err := hwdev.NewOps(kind, dc.Name, deps.Rail, deps.Loader)
		if err != nil {
			s.skip("device", dc.Name, err)
			continue
		}

		n, err := s.graph.Register(dc.Name, kind, dc.Parent, ops)
		if err != nil {
			s.skip("device", dc.Name, err)
			continue
		}

		s.devices = append(s.devices, load.Device{
			Name: n.Name(),
			ID:   n.ID(),
			All:  kind == hwdev.KindDNC,
		})
	}
}

func (s *Context) buildDomains(domains []config.DomainConfig, clock dvfs.ClockDriver) {
	errFactory := errors.New()
	gcfg := governor.Config{
		UpThreshold:   s.cfg.Governor.UpThreshold,
		DownThreshold: s.cfg.Governor.DownThreshold,
		DownDelay:     s.cfg.Governor.DownDelay,
	}

	for _, dc := range domains {
		freqs := make([]dvfs.Freq, len(dc.Frequencies))
		for i, f := range dc.Frequencies {
			freqs[i] = dvfs.Freq(f)
		}
		table, err := dvfs.NewTable(freqs)
		if err != nil {
			s.skip("domain", dc.Name, err)
			continue
		}

		ip, ok := dvfs.ParseIPType(dc.IP)
		if !ok {
			s.skip("domain", dc.Name, errFactory.WithData(dvfs.ErrInvalidTable, struct{ IP string }{dc.IP}))
			continue
		}

		if dc.Governor != "" {
			if _, ok := s.govs[dc.Governor]; !ok {
				gov, err := governor.New(dc.Governor, gcfg)
				if err != nil {
					s.skip("domain", dc.Name, err)
					continue
				}
				s.govs[dc.Governor] = gov
			}
		}

		floors := make([]dvfs.Freq, mode.NumModes)
		bad := false
		for name, f := range dc.ModeMin {
			m, err := mode.Parse(name)
			if err != nil {
				s.skip("domain", dc.Name, err)
				bad = true
				break
			}
			floors[m] = table.Clamp(dvfs.Freq(f))
		}
		if bad {
			continue
		}

		device := dc.Device
		if device == "" {
			device = dc.Name
		}

		d := dvfs.NewDomain(dvfs.Options{
			Name:     dc.Name,
			IP:       ip,
			Device:   device,
			Governor: dc.Governor,
			Delay:    dc.Delay,
			ModeMin:  floors,
		}, table, clock, s.log.With("dvfs"))
		if err := s.domains.Add(d); err != nil {
			s.skip("domain", dc.Name, err)
			continue
		}
		s.windows[dc.Name] = load.NewWindow(s.cfg.Scheduler.LoadWindow)
	}
}

func (s *Context) buildLUT(rows []config.LUTRow) {
	pairs := make([][2]dvfs.Freq, len(rows))
	for i, r := range rows {
		pairs[i] = [2]dvfs.Freq{dvfs.Freq(r.Core), dvfs.Freq(r.DNC)}
	}

	lut, err := dvfs.NewLUT(pairs)
	if err != nil {
		s.skip("lut", "lut", err)
		lut, _ = dvfs.NewLUT(nil)
	}
	s.lut = lut
}

func (s *Context) buildCmds(lists map[string][]config.DvfsCmdConfig) {
	errFactory := errors.New()

	for name, cmds := range lists {
		list := dvfs.CmdList{Name: name}
		bad := false
		for _, c := range cmds {
			var kind dvfs.CmdKind
			switch c.Kind {
			case "min":
				kind = dvfs.CmdMin
			case "max":
				kind = dvfs.CmdMax
			default:
				s.skip("dvfs_cmd", name, errFactory.WithData(errors.ErrInvalidConfig, struct{ Kind string }{c.Kind}))
				bad = true
			}
			if bad {
				break
			}
			list.Cmds = append(list.Cmds, dvfs.Cmd{Domain: c.Domain, Kind: kind, Freq: dvfs.Freq(c.Freq)})
		}
		if !bad {
			s.cmds[name] = list
		}
	}
}

func (s *Context) buildLLC(cfg config.LLCConfig) {
	s.llc = mode.LLCPolicy{
		ChunkSize: cfg.ChunkSize,
		MaxWays:   cfg.MaxWays,
		Budgets:   make(map[mode.Mode]uint32),
	}
	for name, kb := range cfg.Budgets {
		m, err := mode.Parse(name)
		if err != nil {
			s.skip("llc", name, err)
			continue
		}
		s.llc.Budgets[m] = kb
	}
}

// Domain returns the named frequency domain, or nil.
func (s *Context) Domain(name string) *dvfs.Domain {
	return s.domains.Get(name)
}

// Graph exposes the device graph.
func (s *Context) Graph() *hwdev.Graph {
	return s.graph
}

// Governor returns the named governor instance, or nil if no domain uses it.
func (s *Context) Governor(name string) governor.Governor {
	return s.govs[name]
}

// Handshaker exposes the firmware handshake, e.g. to feed completions from
// a transport that does not implement firmware.Subscriber.
func (s *Context) Handshaker() *firmware.Handshaker {
	return s.hs
}

// Shutdown closes the scheduler and cancels background work. The Context
// cannot be reopened afterwards.
func (s *Context) Shutdown(ctx context.Context) error {
	err := s.Close(ctx)
	s.lifeCancel()
	return err
}
