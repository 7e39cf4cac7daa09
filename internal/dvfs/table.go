package dvfs

import (
	"sort"
	"strconv"

	"codeberg.org/mutker/npuctl/internal/errors"
)

// Freq is a clock frequency in kHz.
type Freq uint32

// NoLimit is the value of a MAX voter that imposes no ceiling.
const NoLimit = ^Freq(0)

func (f Freq) String() string {
	return strconv.FormatUint(uint64(f), 10) + "kHz"
}

// Table is the immutable, strictly ascending list of operating points of a
// frequency domain.
type Table struct {
	steps []Freq
}

func NewTable(freqs []Freq) (*Table, error) {
	errFactory := errors.New()

	if len(freqs) == 0 {
		return nil, errFactory.WithMessage(ErrInvalidTable, "frequency table is empty")
	}

	steps := make([]Freq, len(freqs))
	copy(steps, freqs)

	for i, f := range steps {
		if f == 0 {
			return nil, errFactory.WithData(ErrInvalidTable, struct {
				Index int
				Freq  Freq
			}{i, f})
		}
		if i > 0 && steps[i-1] >= f {
			return nil, errFactory.WithData(ErrInvalidTable, struct {
				Index  int
				Freq   Freq
				Reason string
			}{i, f, "not strictly ascending"})
		}
	}

	return &Table{steps: steps}, nil
}

func (t *Table) Min() Freq { return t.steps[0] }
func (t *Table) Max() Freq { return t.steps[len(t.steps)-1] }
func (t *Table) Len() int  { return len(t.steps) }

// Steps returns a copy of the operating points.
func (t *Table) Steps() []Freq {
	out := make([]Freq, len(t.steps))
	copy(out, t.steps)
	return out
}

// At returns the operating point at idx, clamped to the table bounds.
func (t *Table) At(idx int) Freq {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.steps) {
		idx = len(t.steps) - 1
	}

	return t.steps[idx]
}

// Index returns the position of the smallest step >= f, or Len()-1 when f
// is above the table.
func (t *Table) Index(f Freq) int {
	i := sort.Search(len(t.steps), func(i int) bool { return t.steps[i] >= f })
	if i == len(t.steps) {
		return i - 1
	}

	return i
}

// Ceil returns the smallest step >= f.
func (t *Table) Ceil(f Freq) (Freq, error) {
	i := sort.Search(len(t.steps), func(i int) bool { return t.steps[i] >= f })
	if i == len(t.steps) {
		return t.Max(), errors.New().WithData(ErrOutOfRange, f)
	}

	return t.steps[i], nil
}

// Floor returns the largest step <= f, or Min() when f is below the table.
func (t *Table) Floor(f Freq) Freq {
	i := sort.Search(len(t.steps), func(i int) bool { return t.steps[i] > f })
	if i == 0 {
		return t.steps[0]
	}

	return t.steps[i-1]
}

// Clamp bounds f to [Min, Max].
func (t *Table) Clamp(f Freq) Freq {
	return clamp(f, t.Min(), t.Max())
}

func clamp(f, lo, hi Freq) Freq {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}

	return f
}
