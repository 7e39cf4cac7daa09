package scheduler

import (
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
)

// BoostOn pins every governed domain at its maximum until the matching
// BoostOff. Calls nest.
func (s *Context) BoostOn() {
	s.lockBoost()
	defer s.unlockBoost()

	s.boostCount++
	if s.boostCount == 1 {
		s.setBoostLocked(true)
	}
}

// BoostOff drops one boost reference. The last one lifts the boost right
// away; while others remain, another reference is dropped after the boost
// timeout.
func (s *Context) BoostOff() {
	s.lockBoost()
	defer s.unlockBoost()

	s.boostOffLocked()
}

// BoostOffAfter drops one boost reference after d. A boost-off that is
// already pending is replaced.
func (s *Context) BoostOffAfter(d time.Duration) {
	s.lockBoost()
	defer s.unlockBoost()

	if d <= 0 {
		s.boostOffLocked()
		return
	}
	s.scheduleBoostOffLocked(d)
}

// Boosting returns the number of boost references held.
func (s *Context) Boosting() int {
	s.lockBoost()
	defer s.unlockBoost()
	return s.boostCount
}

func (s *Context) boostOffLocked() {
	if s.boostCount == 0 {
		return
	}

	s.boostCount--
	if s.boostCount == 0 {
		s.cancelBoostOffLocked()
		s.setBoostLocked(false)
		return
	}

	s.scheduleBoostOffLocked(s.cfg.Scheduler.BoostTimeout)
}

func (s *Context) scheduleBoostOffLocked(d time.Duration) {
	s.cancelBoostOffLocked()

	gen := s.boostGen
	s.boostTimer = time.AfterFunc(d, func() {
		s.lockBoost()
		defer s.unlockBoost()

		if s.boostGen != gen {
			return
		}
		s.boostTimer = nil
		s.boostOffLocked()
	})
}

func (s *Context) cancelBoostOffLocked() {
	if s.boostTimer != nil {
		s.boostTimer.Stop()
		s.boostTimer = nil
	}
	s.boostGen++
}

func (s *Context) boostReset() {
	s.lockBoost()
	defer s.unlockBoost()

	s.cancelBoostOffLocked()
	if s.boostCount > 0 {
		s.boostCount = 0
		s.setBoostLocked(false)
	}
}

func (s *Context) setBoostLocked(on bool) {
	s.lockExec()
	defer s.unlockExec()

	for _, d := range s.domains.Domains() {
		if d.Governor() == "" {
			continue
		}

		var err error
		if on {
			_, err = d.SetVoter(dvfs.Boost, d.MaxFreq())
		} else {
			err = d.ClearVoter(dvfs.Boost)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("domain", d.Name()).Bool("boost", on).Msg("Failed to update boost vote")
		}
	}

	s.log.Debug().Bool("boost", on).Msg("Boost changed")
}
