package firmware

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"golang.org/x/time/rate"
)

// Kind is the firmware command type.
type Kind uint32

const (
	KindMode Kind = iota + 1
	KindPowerCtl
	KindCoreCtl
	KindHWACG
)

func (k Kind) String() string {
	switch k {
	case KindMode:
		return "mode"
	case KindPowerCtl:
		return "powerctl"
	case KindCoreCtl:
		return "corectl"
	case KindHWACG:
		return "hwacg"
	}
	return "unknown"
}

// Command is one request to the firmware. Tag is assigned by the
// Handshaker and echoed back in the completion.
type Command struct {
	Kind   Kind
	UID    int
	Tag    uint64
	Param0 uint32
	Param1 uint32
}

// Channel posts commands to the firmware. Post returns false when the
// queue is full and the caller should retry.
type Channel interface {
	Post(cmd Command) (bool, error)
}

// Subscriber is implemented by channels that report completions through a
// callback. NewHandshaker subscribes its Complete method.
type Subscriber interface {
	Subscribe(fn func(tag uint64, code int))
}

type Config struct {
	Timeout       time.Duration
	RetryCount    int
	RetryInterval time.Duration
}

// Result is the firmware's answer. Available is false when no answer
// arrived before the timeout.
type Result struct {
	Code      int
	Available bool
}

// Stats counts handshake outcomes.
type Stats struct {
	Acked    uint64
	Nacked   uint64
	TimedOut uint64
	Full     uint64
	Late     uint64
}

// Handshaker pairs each posted command with its own completion channel so
// concurrent requests never observe each other's results.
type Handshaker struct {
	ch  Channel
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	next    uint64
	waiters map[uint64]chan int

	acked, nacked, timedOut, full, late atomic.Uint64
}

func NewHandshaker(ch Channel, cfg Config, log logger.Logger) *Handshaker {
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}

	h := &Handshaker{
		ch:      ch,
		cfg:     cfg,
		log:     log,
		waiters: make(map[uint64]chan int),
	}
	if s, ok := ch.(Subscriber); ok {
		s.Subscribe(h.Complete)
	}

	return h
}

func (h *Handshaker) register() (uint64, chan int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	done := make(chan int, 1)
	h.waiters[h.next] = done

	return h.next, done
}

func (h *Handshaker) unregister(tag uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, tag)
}

// Send posts cmd, retrying a full queue RetryCount times at RetryInterval,
// then waits up to Timeout for the completion.
func (h *Handshaker) Send(ctx context.Context, cmd Command) (Result, error) {
	errFactory := errors.New()

	tag, done := h.register()
	defer h.unregister(tag)
	cmd.Tag = tag

	limiter := rate.NewLimiter(rate.Every(h.cfg.RetryInterval), 1)

	posted := false
	for attempt := 0; attempt < h.cfg.RetryCount && !posted; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return Result{}, errFactory.Wrap(ErrCanceled, err)
		}

		ok, err := h.ch.Post(cmd)
		if err != nil {
			return Result{}, errFactory.Wrap(ErrPostFailed, err)
		}
		posted = ok
	}

	if !posted {
		h.full.Add(1)
		h.log.Warn().
			Str("kind", cmd.Kind.String()).
			Int("uid", cmd.UID).
			Int("retries", h.cfg.RetryCount).
			Msg("Firmware queue full")
		return Result{}, errFactory.Wrap(ErrQueueFull, syscall.EWOULDBLOCK)
	}

	timer := time.NewTimer(h.cfg.Timeout)
	defer timer.Stop()

	select {
	case code := <-done:
		res := Result{Code: code, Available: true}
		if code != 0 {
			h.nacked.Add(1)
			return res, errFactory.Wrap(ErrNack, syscall.EFAULT).WithData(code)
		}
		h.acked.Add(1)
		return res, nil
	case <-timer.C:
		h.timedOut.Add(1)
		h.log.Warn().
			Str("kind", cmd.Kind.String()).
			Uint64("tag", tag).
			Dur("timeout", h.cfg.Timeout).
			Msg("Firmware did not answer")
		return Result{}, errFactory.Wrap(ErrTimedOut, syscall.ETIMEDOUT)
	case <-ctx.Done():
		return Result{}, errFactory.Wrap(ErrCanceled, ctx.Err())
	}
}

// Complete delivers the firmware's answer for tag. Answers for requests
// that already timed out are dropped.
func (h *Handshaker) Complete(tag uint64, code int) {
	h.mu.Lock()
	done, ok := h.waiters[tag]
	if ok {
		delete(h.waiters, tag)
	}
	h.mu.Unlock()

	if !ok {
		h.late.Add(1)
		h.log.Debug().Uint64("tag", tag).Int("code", code).Msg("Dropping late firmware completion")
		return
	}

	done <- code
}

func (h *Handshaker) Stats() Stats {
	return Stats{
		Acked:    h.acked.Load(),
		Nacked:   h.nacked.Load(),
		TimedOut: h.timedOut.Load(),
		Full:     h.full.Load(),
		Late:     h.late.Load(),
	}
}
