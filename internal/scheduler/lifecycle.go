package scheduler

import (
	"context"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/mode"
	"github.com/hashicorp/go-multierror"
)

const (
	cmdOpen  = "open"
	cmdClose = "close"
)

// Open applies the "open" command list, resets the thermal controller and
// starts the periodic loop.
func (s *Context) Open(ctx context.Context) error {
	s.lockParam()
	defer s.unlockParam()

	if s.opened {
		return nil
	}

	var result *multierror.Error

	s.lockExec()
	if list, ok := s.cmds[cmdOpen]; ok {
		if err := s.domains.ApplyLocked(list); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.resetLoopStateLocked()
	s.unlockExec()

	s.dtm.Reset()
	s.modes.Reset()
	s.opened = true

	if !s.suspended.Load() {
		s.startLoop()
	}

	s.log.Info().Msg("Scheduler opened")

	return result.ErrorOrNil()
}

// Close stops the loop, drops every model, device reference and boost,
// resets all voters and applies the "close" command list.
func (s *Context) Close(ctx context.Context) error {
	s.lockParam()
	defer s.unlockParam()

	if !s.opened {
		return nil
	}

	s.stopLoop()
	s.cancelUnsetLocked()

	var result *multierror.Error

	for uid := range s.loaded {
		delete(s.loaded, uid)
	}
	for uid := range s.bootGuards {
		if err := s.powerOffLocked(ctx, uid); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.withLoad(func() {
		s.tracker.ResetLoads()
	})
	s.boostReset()

	s.lockExec()
	for _, d := range s.domains.Domains() {
		if gov := s.govs[d.Governor()]; gov != nil && d.Activated {
			gov.Stop(d)
		}
		d.Activated = false
		d.IsInitFreq = false
		if err := d.Reset(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if list, ok := s.cmds[cmdClose]; ok {
		if err := s.domains.ApplyLocked(list); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.resetLoopStateLocked()
	s.unlockExec()

	s.modes.Reset()
	s.modeSent = make(map[int]bool)
	s.opened = false

	s.log.Info().Msg("Scheduler closed")

	return result.ErrorOrNil()
}

// Load marks a model of uid as loaded. The first model activates the
// domains: governors start and every domain begins at its maximum.
func (s *Context) Load(ctx context.Context, uid int) error {
	errFactory := errors.New()

	s.lockParam()
	defer s.unlockParam()

	if !s.opened {
		return errFactory.New(ErrNotOpen)
	}
	sess, ok := s.session(uid)
	if !ok {
		return errFactory.WithData(load.ErrUnknownSession, uid)
	}
	if s.loaded[uid] {
		return nil
	}

	s.cancelUnsetLocked()
	s.loaded[uid] = true
	if len(s.loaded) == 1 {
		if err := s.activateLocked(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to set initial frequencies")
		}
	}

	if _, pending := s.modes.Pending(); pending {
		s.replayLocked(ctx)
	}
	if sess.Mode != mode.Normal && !s.modeSent[uid] {
		return s.syncModeLocked(ctx, uid, sess.LLCSize)
	}

	return nil
}

// Unload drops uid's model. When the last model goes the domains are
// released, after the session's DVFS unset time if one was set.
func (s *Context) Unload(_ context.Context, uid int) error {
	s.lockParam()
	defer s.unlockParam()

	sess, _ := s.session(uid)
	return s.unloadLocked(uid, sess.DVFSUnsetTime)
}

func (s *Context) unloadLocked(uid int, unset time.Duration) error {
	if !s.loaded[uid] {
		return nil
	}

	delete(s.loaded, uid)
	if len(s.loaded) > 0 {
		return nil
	}

	if unset > 0 {
		s.scheduleUnsetLocked(unset)
		return nil
	}

	return s.deactivateLocked()
}

func (s *Context) activateLocked() error {
	s.lockExec()
	defer s.unlockExec()

	var result *multierror.Error
	for _, d := range s.domains.Domains() {
		if gov := s.govs[d.Governor()]; gov != nil && !d.Activated {
			gov.Start(d)
		}
		if _, err := d.SetVoter(dvfs.Governor, d.MaxFreq()); err != nil {
			result = multierror.Append(result, err)
		}
		d.IsInitFreq = true
		d.Activated = true
		d.Remaining = d.Delay()
	}

	return result.ErrorOrNil()
}

func (s *Context) deactivateLocked() error {
	s.lockExec()
	defer s.unlockExec()

	var result *multierror.Error
	for _, d := range s.domains.Domains() {
		if gov := s.govs[d.Governor()]; gov != nil && d.Activated {
			gov.Stop(d)
		}
		d.Activated = false
		d.IsInitFreq = false
		if err := d.ClearVoter(dvfs.Governor); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.log.Debug().Msg("Domains deactivated")

	return result.ErrorOrNil()
}

// scheduleUnsetLocked defers deactivation by d. A pending deferral is
// cancelled first so at most one is in flight.
func (s *Context) scheduleUnsetLocked(d time.Duration) {
	s.cancelUnsetLocked()

	gen := s.unsetGen
	s.unsetTimer = time.AfterFunc(d, func() {
		s.lockParam()
		defer s.unlockParam()

		if s.unsetGen != gen || len(s.loaded) > 0 {
			return
		}
		s.unsetTimer = nil
		if err := s.deactivateLocked(); err != nil {
			s.log.Warn().Err(err).Msg("Deferred DVFS unset failed")
		}
	})
}

func (s *Context) cancelUnsetLocked() {
	if s.unsetTimer != nil {
		s.unsetTimer.Stop()
		s.unsetTimer = nil
	}
	s.unsetGen++
}

// SetInitFreq starts uid's core domains at the frequency its last batch
// of frames ran at, relative to the domain maximum.
func (s *Context) SetInitFreq(_ context.Context, uid int) error {
	errFactory := errors.New()

	s.lockParam()
	defer s.unlockParam()

	sess, ok := s.session(uid)
	if !ok {
		return errFactory.WithData(load.ErrUnknownSession, uid)
	}

	s.lockExec()
	defer s.unlockExec()

	var result *multierror.Error
	for _, d := range s.domains.Domains() {
		if !d.Activated || d.IP() != dvfs.Core {
			continue
		}
		if n := s.graph.Node(d.Device()); n == nil || n.ID()&sess.HIDs == 0 {
			continue
		}

		target := dvfs.Freq(uint64(d.MaxFreq()) * uint64(sess.InitFreqRatio) / load.FullLoad)
		f, err := d.Table().Ceil(target)
		if err != nil {
			f = d.MaxFreq()
		}
		if _, err := d.SetVoter(dvfs.Governor, f); err != nil {
			result = multierror.Append(result, err)
		}
		d.IsInitFreq = true
	}

	return result.ErrorOrNil()
}

// Suspend stops the loop and parks every active domain at its minimum.
func (s *Context) Suspend(_ context.Context) error {
	s.lockParam()
	defer s.unlockParam()

	if s.suspended.Swap(true) {
		return nil
	}
	s.stopLoop()

	s.lockExec()
	defer s.unlockExec()

	var result *multierror.Error
	for _, d := range s.domains.Domains() {
		if !d.Activated {
			continue
		}
		if _, err := d.SetVoter(dvfs.Governor, d.MinFreq()); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.log.Info().Msg("Scheduler suspended")

	return result.ErrorOrNil()
}

// Resume restarts the loop after Suspend.
func (s *Context) Resume(_ context.Context) error {
	s.lockParam()
	defer s.unlockParam()

	if !s.suspended.Swap(false) {
		return nil
	}

	if s.opened {
		s.lockExec()
		s.lastTick = time.Time{}
		s.unlockExec()
		s.startLoop()
	}

	s.log.Info().Msg("Scheduler resumed")

	return nil
}

// PowerOn boots and initializes every device uid runs on. The firmware
// handshakes deferred while they were off are replayed once an NPU comes
// up.
func (s *Context) PowerOn(ctx context.Context, uid int) error {
	errFactory := errors.New()

	s.lockParam()
	defer s.unlockParam()

	sess, ok := s.session(uid)
	if !ok {
		return errFactory.WithData(load.ErrUnknownSession, uid)
	}
	if len(s.bootGuards[uid]) > 0 {
		return nil
	}

	var result *multierror.Error
	for _, n := range s.graph.NodesFor(sess.HIDs) {
		g, err := s.graph.Boot(ctx, n.Name())
		if err != nil {
			result = multierror.Append(result, err)
		}
		if g != nil {
			s.bootGuards[uid] = append(s.bootGuards[uid], g)
		}
		if err != nil {
			continue
		}

		ig, err := s.graph.Init(ctx, n.Name())
		if err != nil {
			result = multierror.Append(result, err)
		}
		if ig != nil {
			s.initGuards[uid] = append(s.initGuards[uid], ig)
		}
	}

	return result.ErrorOrNil()
}

// PowerOff releases the device references PowerOn took for uid.
func (s *Context) PowerOff(ctx context.Context, uid int) error {
	s.lockParam()
	defer s.unlockParam()

	return s.powerOffLocked(ctx, uid)
}

func (s *Context) powerOffLocked(ctx context.Context, uid int) error {
	var result *multierror.Error

	inits := s.initGuards[uid]
	for i := len(inits) - 1; i >= 0; i-- {
		if err := inits[i].Release(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	boots := s.bootGuards[uid]
	for i := len(boots) - 1; i >= 0; i-- {
		if err := boots[i].Release(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	delete(s.initGuards, uid)
	delete(s.bootGuards, uid)

	return result.ErrorOrNil()
}

func (s *Context) onPowerOn(n *hwdev.Node) {
	if n.Kind() != hwdev.KindNPU {
		return
	}

	go func() {
		s.lockParam()
		defer s.unlockParam()
		s.replayLocked(s.life)
	}()
}

// replayLocked re-sends the deferred mode handshake and any clock gating
// overrides once the firmware is reachable.
func (s *Context) replayLocked(ctx context.Context) {
	if !s.powered() {
		return
	}

	out, res, err := s.modes.Replay(ctx, true)
	if err != nil {
		s.log.Error().Err(err).Bool("available", res.Available).Msg("Replaying mode handshake failed")
	} else {
		s.log.Debug().Str("outcome", out.String()).Msg("Mode handshake replayed")
	}

	for _, h := range hwacgTargets {
		if !s.hwacg[h.slot].Load() {
			continue
		}
		if _, err := s.hs.Send(ctx, hwacgCommand(0, h.id, true)); err != nil {
			s.log.Error().Err(err).Str("ip", h.id.String()).Msg("Replaying clock gating override failed")
		}
	}
}
