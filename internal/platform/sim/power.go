package sim

import (
	"context"
	"sync"
)

// Rail records power and clock gating per device.
type Rail struct {
	mu    sync.Mutex
	power map[string]bool
	clock map[string]bool
	calls map[string]int
	fail  map[string]error
}

func NewRail() *Rail {
	return &Rail{
		power: make(map[string]bool),
		clock: make(map[string]bool),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

// Fail makes powering name return err until cleared with nil.
func (r *Rail) Fail(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		delete(r.fail, name)
		return
	}
	r.fail[name] = err
}

func (r *Rail) SetPower(_ context.Context, name string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[name]++
	if err := r.fail[name]; err != nil && on {
		return err
	}
	r.power[name] = on

	return nil
}

func (r *Rail) SetClock(_ context.Context, name string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock[name] = on
	return nil
}

// Powered reports whether name has both power and clock enabled.
func (r *Rail) Powered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.power[name] && r.clock[name]
}

// Calls returns how many power transitions name has seen.
func (r *Rail) Calls(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// Loader tracks which firmware images are resident.
type Loader struct {
	mu     sync.Mutex
	loaded map[string]bool
}

func NewLoader() *Loader {
	return &Loader{loaded: make(map[string]bool)}
}

func (l *Loader) Load(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded[name] = true
	return nil
}

func (l *Loader) Unload(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.loaded, name)
	return nil
}

func (l *Loader) Loaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded[name]
}
