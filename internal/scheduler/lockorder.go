package scheduler

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// rank orders the scheduler's locks. A goroutine may only take a lock of
// strictly higher rank than every lock it already holds.
type rank int

const (
	rankParam rank = iota + 1
	rankLoad
	rankBoost
	rankExec
)

var rankNames = map[rank]string{
	rankParam: "param",
	rankLoad:  "load",
	rankBoost: "boost",
	rankExec:  "exec",
}

// lockRanks tracks held ranks per goroutine when enabled. It is a test aid;
// when disabled every call returns immediately.
type lockRanks struct {
	enabled bool

	mu   sync.Mutex
	held map[uint64][]rank
}

func newLockRanks(enabled bool) *lockRanks {
	return &lockRanks{enabled: enabled, held: make(map[uint64][]rank)}
}

func (l *lockRanks) acquire(r rank) {
	if !l.enabled {
		return
	}

	id := goid()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range l.held[id] {
		if h >= r {
			panic(fmt.Sprintf("lock order violation: taking %s while holding %s", rankNames[r], rankNames[h]))
		}
	}
	l.held[id] = append(l.held[id], r)
}

func (l *lockRanks) release(r rank) {
	if !l.enabled {
		return
	}

	id := goid()

	l.mu.Lock()
	defer l.mu.Unlock()

	stack := l.held[id]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == r {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(l.held, id)
	} else {
		l.held[id] = stack
	}
}

func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		id, _ := strconv.ParseUint(s[:i], 10, 64)
		return id
	}

	return 0
}

func (s *Context) lockParam() {
	s.ranks.acquire(rankParam)
	s.paramMu.Lock()
}

func (s *Context) unlockParam() {
	s.paramMu.Unlock()
	s.ranks.release(rankParam)
}

func (s *Context) lockBoost() {
	s.ranks.acquire(rankBoost)
	s.boostMu.Lock()
}

func (s *Context) unlockBoost() {
	s.boostMu.Unlock()
	s.ranks.release(rankBoost)
}

func (s *Context) lockExec() {
	s.ranks.acquire(rankExec)
	s.domains.Lock()
}

func (s *Context) unlockExec() {
	s.domains.Unlock()
	s.ranks.release(rankExec)
}

// withLoad runs fn against the tracker, whose internal mutex is the load
// lock.
func (s *Context) withLoad(fn func()) {
	s.ranks.acquire(rankLoad)
	defer s.ranks.release(rankLoad)
	fn()
}
