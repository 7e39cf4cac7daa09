package load

import (
	"math"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/mode"
)

// Config holds the frame accounting constants.
type Config struct {
	RequestedTPF        time.Duration
	TPFOthers           time.Duration
	ResetFrameNum       int
	FreqIntervalDivisor int
}

// Session is a point-in-time copy of a session's accounting state.
type Session struct {
	UID           int
	Priority      int
	BoundCore     int
	HIDs          hwdev.ID
	Mode          mode.Mode
	LLCSize       uint32
	DVFSUnsetTime time.Duration

	FrameCount    int
	InFlight      int
	TPF           time.Duration
	RequestedTPF  time.Duration
	FPSLoad       uint32
	OldFPSLoad    uint32
	InitFreqRatio uint32
	FreqInterval  int
	TimeStamp     time.Time
}

// Frame reports the outcome of a completed frame.
type Frame struct {
	// Completed is true when the last in-flight frame of a batch finished
	// and the load was recomputed.
	Completed    bool
	TPF          time.Duration
	FPSLoad      uint32
	FreqInterval int
}

// Device selects which sessions contribute to a device's load.
type Device struct {
	Name string
	ID   hwdev.ID
	// All makes every session count, as for the shared dispatch block.
	All bool
}

// Result is the output of one load calculation.
type Result struct {
	PerDevice map[string]uint32
	System    uint32
}

type session struct {
	Session
	batchStart time.Time
	frames     map[uint64]struct{}
}

// Tracker owns per-session frame accounting. Its mutex is the load lock.
type Tracker struct {
	cfg Config

	mu       sync.Mutex
	sessions map[int]*session
	rq       RunQueue
	inFlight int
}

func NewTracker(cfg Config) *Tracker {
	if cfg.ResetFrameNum <= 0 {
		cfg.ResetFrameNum = 3
	}
	if cfg.FreqIntervalDivisor <= 0 {
		cfg.FreqIntervalDivisor = 10
	}

	return &Tracker{
		cfg:      cfg,
		sessions: make(map[int]*session),
	}
}

func (t *Tracker) Register(uid, priority, boundCore int, hids hwdev.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[uid]; ok {
		return errors.New().WithData(ErrDuplicateSession, uid)
	}

	t.sessions[uid] = &session{
		Session: Session{
			UID:           uid,
			Priority:      priority,
			BoundCore:     boundCore,
			HIDs:          hids,
			Mode:          mode.Normal,
			LLCSize:       mode.DefaultLLCSize,
			TPF:           t.cfg.RequestedTPF,
			RequestedTPF:  t.cfg.RequestedTPF,
			FPSLoad:       FullLoad,
			OldFPSLoad:    FullLoad,
			InitFreqRatio: FullLoad,
			FreqInterval:  1,
		},
		frames: make(map[uint64]struct{}),
	}

	return nil
}

// Unregister removes the session and returns its final state.
func (t *Tracker) Unregister(uid int, now time.Time) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[uid]
	if !ok {
		return Session{}, errors.New().WithData(ErrUnknownSession, uid)
	}

	if s.InFlight > 0 {
		t.inFlight -= s.InFlight
		if t.inFlight == 0 {
			t.rq.transition(now, false)
		}
	}
	delete(t.sessions, uid)

	return s.Session, nil
}

func (t *Tracker) get(uid int) (*session, error) {
	s, ok := t.sessions[uid]
	if !ok {
		return nil, errors.New().WithData(ErrUnknownSession, uid)
	}

	return s, nil
}

// FrameStart records the submission of frame fid. A load that was zeroed
// by idle detection is restored from the cached value once. A frame id
// already in flight is rejected without touching the counters.
func (t *Tracker) FrameStart(uid int, fid uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(uid)
	if err != nil {
		return err
	}
	if _, ok := s.frames[fid]; ok {
		return errors.New().WithData(ErrDuplicateFrame, struct {
			UID int
			FID uint64
		}{uid, fid})
	}

	if s.InFlight == 0 {
		s.batchStart = now
		s.FrameCount = 0
	}
	s.InFlight++
	s.FrameCount++
	s.frames[fid] = struct{}{}

	if s.FPSLoad == 0 && s.OldFPSLoad != 0 {
		s.FPSLoad = s.OldFPSLoad
		s.OldFPSLoad = 0
	}

	if t.inFlight == 0 {
		t.rq.transition(now, true)
	}
	t.inFlight++

	return nil
}

// FrameDone records completion of frame fid. When it was the last frame in
// flight the time per frame and fps load are recomputed.
func (t *Tracker) FrameDone(uid int, fid uint64, now time.Time) (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(uid)
	if err != nil {
		return Frame{}, err
	}

	if _, ok := s.frames[fid]; !ok {
		return Frame{}, errors.New().WithData(ErrUnknownFrame, struct {
			UID int
			FID uint64
		}{uid, fid})
	}
	delete(s.frames, fid)

	s.InFlight--
	t.inFlight--
	if t.inFlight == 0 {
		t.rq.transition(now, false)
	}

	if s.InFlight > 0 {
		return Frame{}, nil
	}

	elapsed := now.Sub(s.batchStart)
	if elapsed < 0 {
		elapsed = 0
	}

	s.TPF = elapsed/time.Duration(s.FrameCount) + t.cfg.TPFOthers
	s.FPSLoad = fpsLoad(s.TPF, s.RequestedTPF)
	s.FreqInterval = s.FrameCount/t.cfg.FreqIntervalDivisor + 1
	s.TimeStamp = now

	return Frame{
		Completed:    true,
		TPF:          s.TPF,
		FPSLoad:      s.FPSLoad,
		FreqInterval: s.FreqInterval,
	}, nil
}

func fpsLoad(tpf, requested time.Duration) uint32 {
	if requested <= 0 {
		return math.MaxUint32
	}

	l := uint64(tpf) * FullLoad / uint64(requested)
	if l > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(l)
}

// UpdateInitFreqRatio folds the core's current/max frequency ratio into the
// session's moving estimate of the frequency it starts at.
func (t *Tracker) UpdateInitFreqRatio(uid int, cur, maxFreq uint32) error {
	if maxFreq == 0 {
		return errors.New().WithData(ErrInvalidValue, "max frequency is zero")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(uid)
	if err != nil {
		return err
	}

	sample := uint64(cur) * FullLoad / uint64(maxFreq)
	ratio := uint64(s.InitFreqRatio)/2 + sample/2
	if ratio > FullLoad {
		ratio = FullLoad
	}
	s.InitFreqRatio = uint32(ratio)

	return nil
}

func (t *Tracker) update(uid int, fn func(*session) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.get(uid)
	if err != nil {
		return err
	}

	return fn(s)
}

func (t *Tracker) SetRequestedTPF(uid int, tpf time.Duration) error {
	if tpf <= 0 {
		return errors.New().WithData(ErrInvalidValue, tpf)
	}

	return t.update(uid, func(s *session) error {
		s.RequestedTPF = tpf
		s.FPSLoad = fpsLoad(s.TPF, tpf)
		return nil
	})
}

func (t *Tracker) SetPriority(uid, priority int) error {
	return t.update(uid, func(s *session) error {
		s.Priority = priority
		return nil
	})
}

func (t *Tracker) SetLLCSize(uid int, kb uint32) error {
	return t.update(uid, func(s *session) error {
		s.LLCSize = kb
		return nil
	})
}

func (t *Tracker) SetDVFSUnsetTime(uid int, d time.Duration) error {
	if d <= 0 {
		return errors.New().WithData(ErrInvalidValue, d)
	}

	return t.update(uid, func(s *session) error {
		s.DVFSUnsetTime = d
		return nil
	})
}

// SetMode records the session's requested mode and returns the previous one.
func (t *Tracker) SetMode(uid int, m mode.Mode) (mode.Mode, error) {
	var prev mode.Mode
	err := t.update(uid, func(s *session) error {
		prev = s.Mode
		s.Mode = m
		return nil
	})

	return prev, err
}

func (t *Tracker) Session(uid int) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[uid]
	if !ok {
		return Session{}, false
	}

	return s.Session, true
}

// Sessions returns every session ordered by uid.
func (t *Tracker) Sessions() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })

	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ResetLoads zeroes every session's fps load, e.g. when the device closes.
func (t *Tracker) ResetLoads() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.sessions {
		s.FPSLoad, s.OldFPSLoad = 0, 0
	}
}

// RQLoad returns the busy fraction of the device since the previous call.
func (t *Tracker) RQLoad(now time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rq.load(now)
}

// Calculate applies idle detection and aggregates fps loads per device and
// system-wide. A session that has produced no frame for ResetFrameNum times
// its time per frame is considered idle: its load drops to zero and the old
// value is kept for the next frame start.
func (t *Tracker) Calculate(now time.Time, devices []Device, p Policy) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]uint32, 0, len(t.sessions))
	for _, s := range t.sessions {
		idleAfter := s.TPF * time.Duration(t.cfg.ResetFrameNum)
		if s.InFlight == 0 && !s.TimeStamp.IsZero() && now.Sub(s.TimeStamp) > idleAfter {
			if s.FPSLoad != 0 {
				s.OldFPSLoad = s.FPSLoad
			}
			s.FPSLoad = 0
		}
		all = append(all, s.FPSLoad)
	}

	res := Result{
		PerDevice: make(map[string]uint32, len(devices)),
		System:    Aggregate(all, p),
	}

	for _, d := range devices {
		var loads []uint32
		for _, s := range t.sessions {
			if d.All || s.HIDs&d.ID != 0 {
				loads = append(loads, s.FPSLoad)
			}
		}
		res.PerDevice[d.Name] = Aggregate(loads, p)
	}

	return res
}
