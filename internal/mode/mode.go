package mode

import (
	"sync"

	"codeberg.org/mutker/npuctl/internal/errors"
)

// Mode is a performance mode. Higher values win arbitration.
type Mode int

const (
	Normal Mode = iota
	Boost
	DN
	BoostOnExe
	BoostBlocking
	CPUBoost
	BoostDLV3

	NumModes = int(BoostDLV3) + 1
)

var names = [NumModes]string{
	Normal:        "normal",
	Boost:         "boost",
	DN:            "dn",
	BoostOnExe:    "boostonexe",
	BoostBlocking: "boostblocking",
	CPUBoost:      "cpu",
	BoostDLV3:     "boostdlv3",
}

func (m Mode) String() string {
	if !m.Valid() {
		return "unknown"
	}

	return names[m]
}

func (m Mode) Valid() bool {
	return m >= 0 && int(m) < NumModes
}

// Names lists every mode name by index.
func Names() []string {
	out := make([]string, NumModes)
	copy(out, names[:])
	return out
}

func Parse(s string) (Mode, error) {
	for i, n := range names {
		if n == s {
			return Mode(i), nil
		}
	}

	return Normal, errors.New().WithData(ErrUnknownMode, s)
}

// Change describes the effective mode before and after a request.
type Change struct {
	Prev    Mode
	Next    Mode
	Changed bool
}

// Arbitrator keeps a reference count per mode across all sessions. The
// effective mode is the highest mode with a non-zero count.
type Arbitrator struct {
	mu     sync.Mutex
	counts [NumModes]int
	cur    Mode
}

func NewArbitrator() *Arbitrator {
	return &Arbitrator{}
}

// Request moves one session's vote from prev to req. Normal holds no
// reference, and re-requesting the current mode changes nothing.
func (a *Arbitrator) Request(prev, req Mode) (Change, error) {
	if !req.Valid() {
		return Change{}, errors.New().WithData(ErrUnknownMode, int(req))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.cur
	if prev == req {
		return Change{Prev: before, Next: before}, nil
	}

	if prev.Valid() && prev != Normal && a.counts[prev] > 0 {
		a.counts[prev]--
	}
	if req != Normal {
		a.counts[req]++
	}

	a.cur = a.effective()

	return Change{Prev: before, Next: a.cur, Changed: before != a.cur}, nil
}

// Release drops a session's vote, e.g. when it unregisters.
func (a *Arbitrator) Release(prev Mode) Change {
	ch, _ := a.Request(prev, Normal)
	return ch
}

func (a *Arbitrator) effective() Mode {
	for m := NumModes - 1; m > 0; m-- {
		if a.counts[m] > 0 {
			return Mode(m)
		}
	}

	return Normal
}

func (a *Arbitrator) Current() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}

// Counts returns a snapshot of the per-mode reference counts.
func (a *Arbitrator) Counts() [NumModes]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

func (a *Arbitrator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts = [NumModes]int{}
	a.cur = Normal
}
