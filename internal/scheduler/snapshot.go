package scheduler

import (
	"sort"
	"time"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/firmware"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/mode"
)

type DomainState struct {
	Name     string
	IP       dvfs.IPType
	Cur      dvfs.Freq
	Min      dvfs.Freq
	Max      dvfs.Freq
	LimitMin dvfs.Freq
	LimitMax dvfs.Freq
}

type SessionState struct {
	UID          int
	Mode         mode.Mode
	Priority     int
	FPSLoad      uint32
	TPF          time.Duration
	RequestedTPF time.Duration
}

// Snapshot is a consistent-enough view of the scheduler for metrics and
// telemetry. Each component is read under its own lock.
type Snapshot struct {
	Time         time.Time
	Mode         mode.Mode
	ModeCounts   [mode.NumModes]int
	Load         uint32
	Idle         time.Duration
	Enabled      bool
	Boost        int
	Temperature  int
	ThermalLimit dvfs.Freq
	Domains      []DomainState
	Sessions     []SessionState
	Handshake    firmware.Stats
}

func (s *Context) Snapshot() Snapshot {
	snap := Snapshot{
		Time:         s.now(),
		Mode:         s.arb.Current(),
		ModeCounts:   s.arb.Counts(),
		Load:         s.lastLoad.Load(),
		Idle:         time.Duration(s.idle.Load()),
		Enabled:      s.enabled.Load(),
		Boost:        s.Boosting(),
		Temperature:  s.dtm.Temperature(),
		ThermalLimit: s.dtm.Limit(),
		Handshake:    s.hs.Stats(),
	}

	for _, d := range s.domains.Domains() {
		lo, hi := d.Limits()
		snap.Domains = append(snap.Domains, DomainState{
			Name:     d.Name(),
			IP:       d.IP(),
			Cur:      d.CurFreq(),
			Min:      d.MinFreq(),
			Max:      d.MaxFreq(),
			LimitMin: lo,
			LimitMax: hi,
		})
	}

	var sessions []load.Session
	s.withLoad(func() {
		sessions = s.tracker.Sessions()
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UID < sessions[j].UID })
	for _, sess := range sessions {
		snap.Sessions = append(snap.Sessions, SessionState{
			UID:          sess.UID,
			Mode:         sess.Mode,
			Priority:     sess.Priority,
			FPSLoad:      sess.FPSLoad,
			TPF:          sess.TPF,
			RequestedTPF: sess.RequestedTPF,
		})
	}

	return snap
}
