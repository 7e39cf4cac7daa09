package hwdev

import (
	"strings"
	"sync"
)

// ID is a bitmask of hardware types.
type ID uint32

const (
	IDNPU ID = 1 << iota
	IDDSP
	IDDNC
	IDMisc
)

func (id ID) String() string {
	var parts []string
	for _, p := range []struct {
		bit  ID
		name string
	}{{IDNPU, "npu"}, {IDDSP, "dsp"}, {IDDNC, "dnc"}, {IDMisc, "misc"}} {
		if id&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, "|")
}

// Status is the observable state of a node.
type Status int

const (
	PowerClockOff Status = iota
	PowerClockOn
	Active
	Error
)

func (s Status) String() string {
	switch s {
	case PowerClockOff:
		return "off"
	case PowerClockOn:
		return "on"
	case Active:
		return "active"
	case Error:
		return "error"
	}

	return "unknown"
}

// Node is one hardware block in the device graph. A node is powered while
// its boot count is positive and initialized while its init count is
// positive; the first acquire of either also acquires the parent.
type Node struct {
	name   string
	id     ID
	kind   Kind
	parent *Node
	ops    HwDeviceOps

	mu      sync.Mutex
	bootRef int
	initRef int
	status  Status
}

func (n *Node) Name() string { return n.name }

func (n *Node) ID() ID { return n.id }

func (n *Node) Kind() Kind { return n.kind }

func (n *Node) Parent() *Node { return n.parent }

func (n *Node) BootRefcount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bootRef
}

func (n *Node) InitRefcount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initRef
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}
