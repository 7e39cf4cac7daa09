package load

import "time"

// RunQueue accounts busy and idle time of the device between two load
// queries. It is guarded by the Tracker's lock.
type RunQueue struct {
	busy      bool
	since     time.Time
	windowBeg time.Time
	idle      time.Duration
}

func (r *RunQueue) transition(now time.Time, busy bool) {
	if r.since.IsZero() {
		r.since, r.windowBeg = now, now
	}
	if !r.busy && now.After(r.since) {
		r.idle += now.Sub(r.since)
	}

	r.busy = busy
	r.since = now
}

// load returns (total - idle) * FullLoad / total for the elapsed window and
// starts a new one.
func (r *RunQueue) load(now time.Time) uint32 {
	if r.windowBeg.IsZero() {
		r.since, r.windowBeg = now, now
		return 0
	}

	r.transition(now, r.busy)

	total := now.Sub(r.windowBeg)
	idle := r.idle
	r.windowBeg, r.idle = now, 0

	if total <= 0 {
		return 0
	}
	if idle > total {
		idle = total
	}

	return uint32(int64(total-idle) * FullLoad / int64(total))
}
