package dvfs

// Class says which bound a voter contributes to.
type Class int

const (
	ClassMin Class = iota
	ClassMax
)

// Kind identifies a constraint voter on a domain.
type Kind int

const (
	Governor Kind = iota
	MinDvfsCmd
	MaxDvfsCmd
	Boost
	CameraNotify
	ThermalMax
	PrecisionMax
	// Session voters are created per user session on demand.
	Session

	numStatic = int(Session)
)

var kindNames = [...]string{
	Governor:     "governor",
	MinDvfsCmd:   "min-dvfs-cmd",
	MaxDvfsCmd:   "max-dvfs-cmd",
	Boost:        "boost",
	CameraNotify: "camera-notify",
	ThermalMax:   "thermal-max",
	PrecisionMax: "precision-max",
	Session:      "session",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}

	return kindNames[k]
}

func (k Kind) Class() Class {
	switch k {
	case MaxDvfsCmd, ThermalMax, PrecisionMax:
		return ClassMax
	default:
		return ClassMin
	}
}

// Voter is one constraint on a domain. The zero vote of a MIN voter and the
// NoLimit vote of a MAX voter impose nothing.
type Voter struct {
	kind  Kind
	owner string
	value Freq
}

func newVoter(kind Kind, owner string) *Voter {
	v := &Voter{kind: kind, owner: owner}
	v.reset()
	return v
}

func (v *Voter) reset() {
	if v.kind.Class() == ClassMax {
		v.value = NoLimit
	} else {
		v.value = 0
	}
}

func (v *Voter) Kind() Kind    { return v.kind }
func (v *Voter) Owner() string { return v.owner }
