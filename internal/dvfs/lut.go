package dvfs

import "codeberg.org/mutker/npuctl/internal/errors"

// IPType selects a LUT column.
type IPType int

const (
	Core IPType = iota
	DNC
	numIP
)

func ParseIPType(s string) (IPType, bool) {
	switch s {
	case "core", "":
		return Core, true
	case "dnc":
		return DNC, true
	}

	return Core, false
}

func (ip IPType) String() string {
	if ip == DNC {
		return "dnc"
	}
	return "core"
}

// LUT is the DVFS lookup table shared by the thermal controller. Row 0 is
// the highest operating point; each row carries one frequency per IP type.
type LUT struct {
	rows [][numIP]Freq
}

func NewLUT(rows [][2]Freq) (*LUT, error) {
	l := &LUT{rows: make([][numIP]Freq, len(rows))}

	for i, r := range rows {
		if i > 0 && r[Core] > rows[i-1][Core] {
			return nil, errors.New().WithData(ErrInvalidLUT, struct {
				Row    int
				Reason string
			}{i, "core column must not increase"})
		}
		l.rows[i] = [numIP]Freq{r[0], r[1]}
	}

	return l, nil
}

func (l *LUT) Len() int { return len(l.rows) }

// IndexOf returns the first row whose ip entry is <= clk, or Len() when clk
// is below every row.
func (l *LUT) IndexOf(clk Freq, ip IPType) int {
	if ip < 0 || ip >= numIP {
		ip = Core
	}

	for i, r := range l.rows {
		if clk >= r[ip] {
			return i
		}
	}

	return len(l.rows)
}

// Clock returns the ip entry of row idx, clamping idx into the table.
func (l *LUT) Clock(idx int, ip IPType) Freq {
	if len(l.rows) == 0 {
		return 0
	}
	if ip < 0 || ip >= numIP {
		ip = Core
	}
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.rows) {
		idx = len(l.rows) - 1
	}

	return l.rows[idx][ip]
}
