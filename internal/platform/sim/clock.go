// Package sim is an in-memory hardware backend. It stands in for the clock,
// sensor, power and firmware glue of a real board so the scheduler can run
// and be tested without one.
package sim

import (
	"sort"
	"sync"

	"codeberg.org/mutker/npuctl/internal/dvfs"
)

// Clock is a ClockDriver that quantizes requests to each domain's table.
type Clock struct {
	mu     sync.Mutex
	steps  map[string][]dvfs.Freq
	freqs  map[string]dvfs.Freq
	writes map[string]int
	fail   map[string]error
}

func NewClock() *Clock {
	return &Clock{
		steps:  make(map[string][]dvfs.Freq),
		freqs:  make(map[string]dvfs.Freq),
		writes: make(map[string]int),
		fail:   make(map[string]error),
	}
}

// SetTable declares the steps a domain's clock can run at.
func (c *Clock) SetTable(domain string, steps []dvfs.Freq) {
	sorted := append([]dvfs.Freq(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[domain] = sorted
}

// Fail makes every following write to domain return err. A nil err clears
// the failure.
func (c *Clock) Fail(domain string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.fail, domain)
		return
	}
	c.fail[domain] = err
}

func (c *Clock) SetFrequency(domain string, f dvfs.Freq) (dvfs.Freq, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes[domain]++
	if err := c.fail[domain]; err != nil {
		return c.freqs[domain], err
	}

	actual := quantize(c.steps[domain], f)
	c.freqs[domain] = actual

	return actual, nil
}

func (c *Clock) Frequency(domain string) (dvfs.Freq, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqs[domain], nil
}

// Writes returns how many times domain's clock was written.
func (c *Clock) Writes(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[domain]
}

// quantize returns the highest step not above f, or the lowest step.
func quantize(steps []dvfs.Freq, f dvfs.Freq) dvfs.Freq {
	if len(steps) == 0 {
		return f
	}

	i := sort.Search(len(steps), func(i int) bool { return steps[i] > f })
	if i == 0 {
		return steps[0]
	}

	return steps[i-1]
}
