package dvfs

import (
	"sync"

	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/hashicorp/go-multierror"
)

// Set is the ordered list of domains plus the coarse exec lock that
// serializes every multi-domain update.
type Set struct {
	exec sync.Mutex

	members sync.RWMutex
	domains []*Domain
	byName  map[string]*Domain
}

func NewSet() *Set {
	return &Set{byName: make(map[string]*Domain)}
}

// Lock takes the exec lock.
func (s *Set) Lock() { s.exec.Lock() }

// Unlock releases the exec lock.
func (s *Set) Unlock() { s.exec.Unlock() }

func (s *Set) Add(d *Domain) error {
	s.members.Lock()
	defer s.members.Unlock()

	if _, ok := s.byName[d.Name()]; ok {
		return errors.New().WithData(ErrDuplicateDomain, d.Name())
	}

	s.domains = append(s.domains, d)
	s.byName[d.Name()] = d

	return nil
}

func (s *Set) Get(name string) *Domain {
	s.members.RLock()
	defer s.members.RUnlock()
	return s.byName[name]
}

func (s *Set) Len() int {
	s.members.RLock()
	defer s.members.RUnlock()
	return len(s.domains)
}

// Domains returns the domains in registration order.
func (s *Set) Domains() []*Domain {
	s.members.RLock()
	defer s.members.RUnlock()

	out := make([]*Domain, len(s.domains))
	copy(out, s.domains)
	return out
}

// MaxFreqTable maps each domain name to its current hardware maximum.
func (s *Set) MaxFreqTable() map[string]Freq {
	out := make(map[string]Freq)
	for _, d := range s.Domains() {
		out[d.Name()] = d.MaxFreq()
	}

	return out
}

// CmdKind is the bound a DVFS command adjusts.
type CmdKind int

const (
	CmdMin CmdKind = iota
	CmdMax
)

// Cmd is one entry of a DVFS command list.
type Cmd struct {
	Domain string
	Kind   CmdKind
	Freq   Freq
}

// CmdList is a named, ordered list of DVFS commands, e.g. "open" or "close".
type CmdList struct {
	Name string
	Cmds []Cmd
}

// ApplyLocked runs every command of list. The caller holds the exec lock.
// Unknown domains are reported but do not stop the remaining commands.
func (s *Set) ApplyLocked(list CmdList) error {
	var result *multierror.Error

	for _, c := range list.Cmds {
		d := s.Get(c.Domain)
		if d == nil {
			result = multierror.Append(result, errors.New().WithData(ErrUnknownDomain, struct {
				List   string
				Domain string
			}{list.Name, c.Domain}))
			continue
		}

		var err error
		switch c.Kind {
		case CmdMin:
			_, err = d.SetVoter(MinDvfsCmd, c.Freq)
		case CmdMax:
			_, err = d.SetMaxFreq(c.Freq)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
