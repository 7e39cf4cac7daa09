package scheduler

import (
	"context"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/firmware"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/mode"
)

// Target selects what SetParameter changes.
type Target int

const (
	TargetPerfMode Target = iota
	TargetPriority
	TargetTimePerFrame
	TargetLLCSize
	TargetThermalTarget
	TargetThermalMaxClock
	TargetPIDEnable
	TargetDVFSDisable
	TargetHWACGDisableNPU
	TargetHWACGDisableDSP
	TargetHWACGDisableDNC
	TargetDVFSUnsetTime

	numTargets
)

var targetNames = [numTargets]string{
	TargetPerfMode:        "perf_mode",
	TargetPriority:        "priority",
	TargetTimePerFrame:    "time_per_frame",
	TargetLLCSize:         "llc_size",
	TargetThermalTarget:   "thermal_target",
	TargetThermalMaxClock: "thermal_max_clock",
	TargetPIDEnable:       "pid_enable",
	TargetDVFSDisable:     "dvfs_disable",
	TargetHWACGDisableNPU: "hwacg_disable_npu",
	TargetHWACGDisableDSP: "hwacg_disable_dsp",
	TargetHWACGDisableDNC: "hwacg_disable_dnc",
	TargetDVFSUnsetTime:   "dvfs_unset_time",
}

func (t Target) String() string {
	if t < 0 || t >= numTargets {
		return "unknown"
	}
	return targetNames[t]
}

// ParamResult tells the caller whether the scheduler consumed a parameter.
type ParamResult int

const (
	Handled ParamResult = iota
	// NotMyBusiness means the target belongs to another subsystem.
	NotMyBusiness
)

func (r ParamResult) String() string {
	if r == Handled {
		return "handled"
	}
	return "not_my_business"
}

// MaxPriority bounds session priorities.
const MaxPriority = 255

// hwacgTargets maps the clock gating targets to their device bit and flag
// slot.
var hwacgTargets = map[Target]struct {
	slot int
	id   hwdev.ID
}{
	TargetHWACGDisableNPU: {0, hwdev.IDNPU},
	TargetHWACGDisableDSP: {1, hwdev.IDDSP},
	TargetHWACGDisableDNC: {2, hwdev.IDDNC},
}

// SetParameter applies one session parameter. Out-of-range values are
// rejected without changing any state. Targets the scheduler does not own
// return NotMyBusiness.
func (s *Context) SetParameter(ctx context.Context, uid int, target Target, value uint32) (ParamResult, error) {
	if target < 0 || target >= numTargets {
		return NotMyBusiness, nil
	}

	errFactory := errors.New()
	invalid := func() error {
		return errFactory.WithData(ErrInvalidParam, struct {
			Target string
			Value  uint32
		}{target.String(), value})
	}

	s.lockParam()
	defer s.unlockParam()

	sess, ok := s.session(uid)
	if !ok {
		return Handled, errFactory.WithData(load.ErrUnknownSession, uid)
	}

	var err error

	switch target {
	case TargetPerfMode:
		m := mode.Mode(value)
		if !m.Valid() {
			return Handled, invalid()
		}
		err = s.setModeLocked(ctx, sess, m)

	case TargetPriority:
		if value > MaxPriority {
			return Handled, invalid()
		}
		s.withLoad(func() {
			err = s.tracker.SetPriority(uid, int(value))
		})

	case TargetTimePerFrame:
		if value == 0 {
			return Handled, invalid()
		}
		s.withLoad(func() {
			err = s.tracker.SetRequestedTPF(uid, time.Duration(value)*time.Microsecond)
		})

	case TargetLLCSize:
		s.withLoad(func() {
			err = s.tracker.SetLLCSize(uid, value)
		})
		if err == nil && (sess.Mode != mode.Normal || s.modeSent[uid]) {
			err = s.syncModeLocked(ctx, uid, value)
		}

	case TargetThermalTarget:
		s.dtm.SetTarget(int(value))

	case TargetThermalMaxClock:
		s.dtm.SetMaxClock(dvfs.Freq(value))

	case TargetPIDEnable:
		s.dtm.SetPIDEnable(value != 0)

	case TargetDVFSDisable:
		err = s.setDVFSEnabled(value == 0)

	case TargetHWACGDisableNPU, TargetHWACGDisableDSP, TargetHWACGDisableDNC:
		h := hwacgTargets[target]
		err = s.setHWACGLocked(ctx, uid, h.slot, h.id, value != 0)

	case TargetDVFSUnsetTime:
		s.withLoad(func() {
			err = s.tracker.SetDVFSUnsetTime(uid, time.Duration(value)*time.Millisecond)
		})
	}

	if err != nil {
		return Handled, err
	}

	s.log.Debug().
		Int("uid", uid).
		Str("target", target.String()).
		Uint32("value", value).
		Msg("Parameter set")

	return Handled, nil
}

func (s *Context) setModeLocked(ctx context.Context, sess load.Session, m mode.Mode) error {
	var (
		prev mode.Mode
		err  error
	)
	s.withLoad(func() {
		prev, err = s.tracker.SetMode(sess.UID, m)
	})
	if err != nil {
		return err
	}

	change, err := s.arb.Request(prev, m)
	if err != nil {
		return err
	}

	if change.Changed {
		return s.modeChangedLocked(ctx, sess.UID, sess.LLCSize, change)
	}
	if m != mode.Normal && !s.modeSent[sess.UID] {
		return s.syncModeLocked(ctx, sess.UID, sess.LLCSize)
	}

	return nil
}

// setDVFSEnabled turns governing on or off. Turning it off drops every
// governor request so only the other voters remain.
func (s *Context) setDVFSEnabled(on bool) error {
	if s.enabled.Swap(on) == on {
		return nil
	}

	s.log.Info().Bool("enabled", on).Msg("DVFS governing toggled")

	if on {
		return nil
	}

	s.lockExec()
	defer s.unlockExec()

	var first error
	for _, d := range s.domains.Domains() {
		if err := d.ClearVoter(dvfs.Governor); err != nil && first == nil {
			first = err
		}
	}

	return first
}

// setHWACGLocked records a clock gating override and forwards it to the
// firmware if it is reachable; otherwise it is sent on the next power-on.
func (s *Context) setHWACGLocked(ctx context.Context, uid, slot int, id hwdev.ID, disable bool) error {
	s.hwacg[slot].Store(disable)

	if !s.powered() {
		return nil
	}

	_, err := s.hs.Send(ctx, hwacgCommand(uid, id, disable))
	return err
}

func hwacgCommand(uid int, id hwdev.ID, disable bool) firmware.Command {
	var flag uint32
	if disable {
		flag = 1
	}

	return firmware.Command{Kind: firmware.KindHWACG, UID: uid, Param0: uint32(id), Param1: flag}
}
