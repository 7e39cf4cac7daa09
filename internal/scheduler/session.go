package scheduler

import (
	"context"
	"strconv"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/mode"
	"github.com/hashicorp/go-multierror"
)

// RegisterSession starts frame accounting for uid on the devices in hids.
func (s *Context) RegisterSession(uid, priority, boundCore int, hids hwdev.ID) error {
	s.lockParam()
	defer s.unlockParam()

	var err error
	s.withLoad(func() {
		err = s.tracker.Register(uid, priority, boundCore, hids)
	})
	if err != nil {
		return err
	}

	s.log.Debug().Int("uid", uid).Int("priority", priority).Str("hids", hids.String()).Msg("Session registered")

	return nil
}

// UnregisterSession drops uid's accounting, its mode vote, its frequency
// requests and any device references it still holds.
func (s *Context) UnregisterSession(ctx context.Context, uid int) error {
	s.lockParam()
	defer s.unlockParam()

	var (
		sess load.Session
		err  error
	)
	s.withLoad(func() {
		sess, err = s.tracker.Unregister(uid, s.now())
	})
	if err != nil {
		return err
	}

	var result *multierror.Error

	if s.loaded[uid] {
		if err := s.unloadLocked(uid, sess.DVFSUnsetTime); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.powerOffLocked(ctx, uid); err != nil {
		result = multierror.Append(result, err)
	}

	if voters := s.minVoters[uid]; len(voters) > 0 {
		s.lockExec()
		for name, v := range voters {
			if d := s.domains.Get(name); d != nil {
				if err := d.RemoveVoter(v); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		s.unlockExec()
	}
	if change := s.arb.Release(sess.Mode); change.Changed {
		if err := s.modeChangedLocked(ctx, uid, sess.LLCSize, change); err != nil {
			result = multierror.Append(result, err)
		}
	}
	delete(s.minVoters, uid)
	delete(s.modeSent, uid)

	s.log.Debug().Int("uid", uid).Msg("Session unregistered")

	return result.ErrorOrNil()
}

// FrameSubmit marks frame fid of uid as queued to the hardware.
func (s *Context) FrameSubmit(uid int, fid uint64) error {
	var err error
	s.withLoad(func() {
		err = s.tracker.FrameStart(uid, fid, s.now())
	})

	return err
}

// FrameComplete marks frame fid of uid as done. When it closes a batch the
// session's load and initial frequency ratio are refreshed.
func (s *Context) FrameComplete(uid int, fid uint64) error {
	var (
		f   load.Frame
		err error
	)
	s.withLoad(func() {
		f, err = s.tracker.FrameDone(uid, fid, s.now())
	})
	if err != nil || !f.Completed {
		return err
	}

	if f.FreqInterval > 0 {
		s.freqInterval.Store(int32(f.FreqInterval))
	}

	sess, ok := s.session(uid)
	if !ok {
		return nil
	}
	d := s.coreDomainFor(sess.HIDs)
	if d == nil {
		return nil
	}

	cur, maxFreq := d.CurFreq(), d.MaxFreq()
	s.withLoad(func() {
		err = s.tracker.UpdateInitFreqRatio(uid, uint32(cur), uint32(maxFreq))
	})

	return err
}

// SetSessionMinFreq makes uid request at least f on domain. A zero f
// withdraws the request. Concurrent requests from several sessions
// aggregate to the highest one.
func (s *Context) SetSessionMinFreq(uid int, domain string, f dvfs.Freq) error {
	errFactory := errors.New()

	s.lockParam()
	defer s.unlockParam()

	if _, ok := s.session(uid); !ok {
		return errFactory.WithData(load.ErrUnknownSession, uid)
	}
	d := s.domains.Get(domain)
	if d == nil {
		return errFactory.WithData(dvfs.ErrUnknownDomain, domain)
	}

	s.lockExec()
	defer s.unlockExec()

	voters := s.minVoters[uid]
	v := voters[domain]

	if f == 0 {
		if v == nil {
			return nil
		}
		delete(voters, domain)
		return d.RemoveVoter(v)
	}

	if v == nil {
		if voters == nil {
			voters = make(map[string]*dvfs.Voter)
			s.minVoters[uid] = voters
		}
		v = d.AddVoter(dvfs.Session, sessionOwner(uid))
		voters[domain] = v
	}

	_, err := d.Update(v, f)
	return err
}

func (s *Context) session(uid int) (load.Session, bool) {
	var (
		sess load.Session
		ok   bool
	)
	s.withLoad(func() {
		sess, ok = s.tracker.Session(uid)
	})

	return sess, ok
}

// coreDomainFor returns the first core domain on a device in hids, falling
// back to the first core domain.
func (s *Context) coreDomainFor(hids hwdev.ID) *dvfs.Domain {
	var first *dvfs.Domain
	for _, d := range s.domains.Domains() {
		if d.IP() != dvfs.Core {
			continue
		}
		if first == nil {
			first = d
		}
		if n := s.graph.Node(d.Device()); n != nil && n.ID()&hids != 0 {
			return d
		}
	}

	return first
}

// powered reports whether the firmware can take a command: some model is
// loaded and an NPU is booted. Callers hold the param lock.
func (s *Context) powered() bool {
	if len(s.loaded) == 0 {
		return false
	}
	for _, n := range s.graph.NodesFor(hwdev.IDNPU) {
		if n.BootRefcount() > 0 {
			return true
		}
	}

	return false
}

// syncModeLocked tells the firmware the effective mode and the LLC size
// uid asked for, in KiB. Callers hold the param lock.
func (s *Context) syncModeLocked(ctx context.Context, uid int, size uint32) error {
	eff := s.arb.Current()
	if size == mode.DefaultLLCSize {
		size = s.llc.BudgetFor(eff)
	}
	p0, p1 := s.llc.Params(eff, s.llc.Ways(size))

	out, res, err := s.modes.Send(ctx, uid, p0, p1, s.powered())
	if err != nil {
		s.log.Error().
			Err(err).
			Int("uid", uid).
			Str("mode", eff.String()).
			Bool("available", res.Available).
			Msg("Mode handshake failed")
		return err
	}

	s.modeSent[uid] = true
	s.log.Debug().
		Int("uid", uid).
		Str("mode", eff.String()).
		Uint32("llc_param", p1).
		Str("outcome", out.String()).
		Msg("Mode synchronized")

	return nil
}

// modeChangedLocked reacts to a change of the effective mode: boost
// follows the boost mode, the per-mode command list is applied and the
// firmware is told.
func (s *Context) modeChangedLocked(ctx context.Context, uid int, llcSize uint32, change mode.Change) error {
	var result *multierror.Error

	if change.Next == mode.Boost {
		s.BoostOn()
	} else if change.Prev == mode.Boost {
		s.BoostOff()
	}

	if list, ok := s.cmds[change.Next.String()]; ok {
		s.lockExec()
		err := s.domains.ApplyLocked(list)
		s.unlockExec()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := s.syncModeLocked(ctx, uid, llcSize); err != nil {
		result = multierror.Append(result, err)
	}

	s.log.Info().
		Str("from", change.Prev.String()).
		Str("to", change.Next.String()).
		Int("uid", uid).
		Msg("Performance mode changed")

	return result.ErrorOrNil()
}

func sessionOwner(uid int) string {
	return "session-" + strconv.Itoa(uid)
}
