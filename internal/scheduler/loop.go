package scheduler

import (
	"context"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/load"
)

// Period returns the loop interval.
func (s *Context) Period() time.Duration {
	return time.Duration(s.period.Load())
}

func (s *Context) startLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.life)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go s.run(ctx, done)
}

func (s *Context) stopLoop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the periodic loop is active.
func (s *Context) Running() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.cancel != nil
}

func (s *Context) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.Period())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.Period())
		}
	}
}

// Tick runs one scheduler iteration: it refreshes the loads, lets the
// governor of every active domain pick a frequency and then applies the
// thermal ceiling.
func (s *Context) Tick(ctx context.Context) {
	now := s.now()
	source := load.Source(s.source.Load())
	policy := load.Policy(s.policy.Load())

	var (
		res load.Result
		rq  uint32
	)
	s.withLoad(func() {
		res = s.tracker.Calculate(now, s.devices, policy)
		rq = s.tracker.RQLoad(now)
	})

	s.lockExec()

	diff := s.Period()
	if !s.lastTick.IsZero() {
		diff = now.Sub(s.lastTick)
	}
	s.lastTick = now

	sys := s.window.Push(pickLoad(source, res.System, rq))
	s.lastLoad.Store(sys)
	if sys == 0 {
		s.idle.Add(int64(diff))
	} else {
		s.idle.Store(0)
	}

	s.tfi++
	apply := s.tfi >= int(s.freqInterval.Load())

	for _, d := range s.domains.Domains() {
		l := pickLoad(source, res.PerDevice[d.Device()], rq)
		if w := s.windows[d.Name()]; w != nil {
			l = w.Push(l)
		}
		s.executePolicyLocked(d, l, diff, apply)
	}
	if apply {
		s.tfi = 0
	}

	s.unlockExec()

	s.applyThermal(ctx)
}

func pickLoad(source load.Source, fps, rq uint32) uint32 {
	switch source {
	case load.SourceFPS:
		return fps
	case load.SourceRQ:
		return rq
	case load.SourceFPSRQ:
		if rq > fps {
			return rq
		}
		return fps
	}

	return 0
}

// executePolicyLocked moves d's governor vote. The caller holds the exec
// lock.
func (s *Context) executePolicyLocked(d *dvfs.Domain, l uint32, diff time.Duration, apply bool) {
	if !d.Activated || !s.enabled.Load() {
		return
	}

	if d.Remaining > 0 {
		d.Remaining -= diff
		if d.Remaining > 0 {
			if s.warn.Allow() {
				s.log.Debug().Str("domain", d.Name()).Dur("remaining", d.Remaining).Msg("Domain in start delay")
			}
			return
		}
	}

	gov := s.govs[d.Governor()]
	if gov == nil || !apply {
		return
	}

	if d.IsInitFreq {
		d.IsInitFreq = false
		return
	}

	target := gov.Target(d, l)
	if floor := d.ModeFloor(int(s.arb.Current())); target < floor {
		target = floor
	}

	if s.monitor.Load() {
		s.log.Debug().Str("domain", d.Name()).Uint32("load", l).Uint32("target_khz", uint32(target)).Msg("Monitor")
		return
	}

	if _, err := d.SetVoter(dvfs.Governor, target); err != nil {
		s.log.Warn().Err(err).Str("domain", d.Name()).Msg("Failed to apply governor target")
	}
}

// applyThermal steps the thermal controller and, when its ceiling moved,
// pushes it to the core domains together with the matching DNC clock.
func (s *Context) applyThermal(ctx context.Context) {
	dec, err := s.dtm.Step(ctx, s.arb.Current())
	if err != nil {
		if s.warn.Allow() {
			s.log.Warn().Err(err).Msg("Thermal step failed")
		}
		return
	}
	if !dec.Changed || dec.Core == 0 || s.monitor.Load() {
		return
	}

	s.lockExec()
	defer s.unlockExec()

	for _, d := range s.domains.Domains() {
		limit := dec.Core
		if d.IP() == dvfs.DNC {
			limit = dec.DNC
		}
		if limit == 0 {
			continue
		}
		if _, err := d.SetVoter(dvfs.ThermalMax, limit); err != nil {
			s.log.Warn().Err(err).Str("domain", d.Name()).Msg("Failed to apply thermal limit")
		}
	}
}

// resetLoopStateLocked clears the load history. The caller holds the exec
// lock.
func (s *Context) resetLoopStateLocked() {
	s.window.Reset()
	for _, w := range s.windows {
		w.Reset()
	}
	s.lastTick = time.Time{}
	s.tfi = 0
	s.idle.Store(0)
	s.lastLoad.Store(0)
}
