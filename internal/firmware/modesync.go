package firmware

import (
	"context"
	"sync"

	"codeberg.org/mutker/npuctl/internal/logger"
)

// Outcome tells the caller what happened to a mode request.
type Outcome int

const (
	Committed Outcome = iota
	// Deferred means the device was off; the request is kept and replayed
	// on the next power-on.
	Deferred
	// Skipped means the firmware already has this mode and LLC setting.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Deferred:
		return "deferred"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// ModeSync keeps the firmware's view of the performance mode in step with
// the arbitrator, holding back requests while the device is unpowered.
type ModeSync struct {
	h   *Handshaker
	log logger.Logger

	mu      sync.Mutex
	pending *Command
	acked   bool
	lastP0  uint32
	lastP1  uint32
}

func NewModeSync(h *Handshaker, log logger.Logger) *ModeSync {
	return &ModeSync{h: h, log: log}
}

// Send issues a MODE command with the given payload on behalf of uid.
func (m *ModeSync) Send(ctx context.Context, uid int, p0, p1 uint32, powered bool) (Outcome, Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.acked && m.lastP0 == p0 && m.lastP1 == p1 {
		m.pending = nil
		return Skipped, Result{}, nil
	}

	cmd := Command{Kind: KindMode, UID: uid, Param0: p0, Param1: p1}

	if !powered {
		m.pending = &cmd
		m.log.Debug().Int("uid", uid).Uint32("mode", p0).Msg("Device off, deferring mode handshake")
		return Deferred, Result{}, nil
	}

	return m.send(ctx, cmd)
}

// Replay re-issues a deferred request, if any.
func (m *ModeSync) Replay(ctx context.Context, powered bool) (Outcome, Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Skipped, Result{}, nil
	}
	if !powered {
		return Deferred, Result{}, nil
	}

	return m.send(ctx, *m.pending)
}

func (m *ModeSync) send(ctx context.Context, cmd Command) (Outcome, Result, error) {
	m.pending = nil

	res, err := m.h.Send(ctx, cmd)
	if err != nil {
		m.acked = false
		return Committed, res, err
	}

	m.acked = true
	m.lastP0, m.lastP1 = cmd.Param0, cmd.Param1

	return Committed, res, nil
}

// Pending returns the deferred request, if one is waiting.
func (m *ModeSync) Pending() (Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Command{}, false
	}
	return *m.pending, true
}

// Reset forgets what the firmware was told, e.g. after a power cycle.
func (m *ModeSync) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.acked = false
	m.pending = nil
}
