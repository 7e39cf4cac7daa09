package load

import "codeberg.org/mutker/npuctl/internal/errors"

// FullLoad is a load of exactly 100%: the session meets its requested time
// per frame with no headroom.
const FullLoad = 10000

// Policy aggregates several session loads into one.
type Policy int

const (
	PolicyMin Policy = iota
	PolicyMax
	PolicyAvg
	// PolicyAvg2 averages without the smallest and largest value.
	PolicyAvg2
)

var policyNames = [...]string{"min", "max", "avg", "avg2"}

func (p Policy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return "unknown"
	}
	return policyNames[p]
}

func ParsePolicy(s string) (Policy, error) {
	for i, n := range policyNames {
		if n == s {
			return Policy(i), nil
		}
	}

	return PolicyMax, errors.New().WithData(ErrUnknownPolicy, s)
}

// Source selects which load signal drives the governors.
type Source int

const (
	SourceIdle Source = iota
	SourceFPS
	SourceRQ
	SourceFPSRQ
)

var sourceNames = [...]string{"idle", "fps", "rq", "fpsrq"}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

func ParseSource(s string) (Source, error) {
	for i, n := range sourceNames {
		if n == s {
			return Source(i), nil
		}
	}

	return SourceFPS, errors.New().WithData(ErrUnknownPolicy, s)
}

// Aggregate folds loads with policy p. With fewer than three values AVG2
// degrades to AVG, and an empty input is zero load.
func Aggregate(loads []uint32, p Policy) uint32 {
	if len(loads) == 0 {
		return 0
	}

	var sum uint64
	lo, hi := loads[0], loads[0]
	for _, l := range loads {
		sum += uint64(l)
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
	}

	switch p {
	case PolicyMin:
		return lo
	case PolicyMax:
		return hi
	case PolicyAvg2:
		if len(loads) >= 3 {
			return uint32((sum - uint64(lo) - uint64(hi)) / uint64(len(loads)-2))
		}
	}

	return uint32(sum / uint64(len(loads)))
}
