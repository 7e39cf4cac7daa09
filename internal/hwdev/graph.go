package hwdev

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"github.com/hashicorp/go-multierror"
)

// Graph owns every hardware device node. Nodes are registered parent
// first, so the parent chain can never form a cycle.
type Graph struct {
	log    logger.Logger
	secure atomic.Bool

	mu    sync.RWMutex
	nodes map[string]*Node
	order []*Node

	lmu       sync.Mutex
	listeners []func(*Node)
}

func NewGraph(log logger.Logger) *Graph {
	return &Graph{
		log:   log,
		nodes: make(map[string]*Node),
	}
}

// SetSecure toggles secure mode, in which init transitions are owned by
// the secure world and skipped here.
func (g *Graph) SetSecure(on bool) { g.secure.Store(on) }

func (g *Graph) Secure() bool { return g.secure.Load() }

// Register adds a node. parent must already be registered, or be empty for
// a root node. ops may be nil for a purely logical node.
func (g *Graph) Register(name string, kind Kind, parent string, ops HwDeviceOps) (*Node, error) {
	errFactory := errors.New()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[name]; ok {
		return nil, errFactory.WithData(ErrDuplicateNode, name)
	}

	n := &Node{name: name, id: kind.ID(), kind: kind, ops: ops}
	if parent != "" {
		p, ok := g.nodes[parent]
		if !ok {
			return nil, errFactory.WithData(ErrUnknownParent, struct {
				Node   string
				Parent string
			}{name, parent})
		}
		n.parent = p
	}

	g.nodes[name] = n
	g.order = append(g.order, n)

	return n, nil
}

// Node returns the node called name, or nil.
func (g *Graph) Node(name string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[name]
}

// Nodes returns every node in registration order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, len(g.order))
	copy(out, g.order)
	return out
}

// NodesFor returns the nodes whose id intersects mask.
func (g *Graph) NodesFor(mask ID) []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if n.id&mask != 0 {
			out = append(out, n)
		}
	}

	return out
}

// OnPowerOn registers fn to run after any node's boot count goes 0 -> 1
// successfully. fn runs without node locks held.
func (g *Graph) OnPowerOn(fn func(*Node)) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Graph) notify(powered []*Node) {
	if len(powered) == 0 {
		return
	}

	g.lmu.Lock()
	listeners := make([]func(*Node), len(g.listeners))
	copy(listeners, g.listeners)
	g.lmu.Unlock()

	for _, n := range powered {
		for _, fn := range listeners {
			fn(n)
		}
	}
}

func (g *Graph) lookup(name string) (*Node, error) {
	n := g.Node(name)
	if n == nil {
		return nil, errors.New().WithData(ErrUnknownNode, name)
	}

	return n, nil
}

func (g *Graph) AcquireBoot(ctx context.Context, name string) error {
	n, err := g.lookup(name)
	if err != nil {
		return err
	}

	var powered []*Node
	err = g.acquireBoot(ctx, n, &powered)
	g.notify(powered)

	return err
}

func (g *Graph) ReleaseBoot(ctx context.Context, name string) error {
	n, err := g.lookup(name)
	if err != nil {
		return err
	}

	return g.releaseBoot(ctx, n)
}

func (g *Graph) AcquireInit(ctx context.Context, name string) error {
	if g.Secure() {
		return nil
	}

	n, err := g.lookup(name)
	if err != nil {
		return err
	}

	return g.acquireInit(ctx, n)
}

func (g *Graph) ReleaseInit(ctx context.Context, name string) error {
	if g.Secure() {
		return nil
	}

	n, err := g.lookup(name)
	if err != nil {
		return err
	}

	return g.releaseInit(ctx, n)
}

// acquireBoot takes n.mu and then, on the first reference, the parent's.
// Locks are therefore always ordered child before parent. A failing ops
// call leaves the count incremented; the caller releases as usual.
func (g *Graph) acquireBoot(ctx context.Context, n *Node, powered *[]*Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.bootRef++
	if n.bootRef != 1 {
		return nil
	}

	var result *multierror.Error

	if n.parent != nil {
		if err := g.acquireBoot(ctx, n.parent, powered); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n.ops != nil {
		if err := n.ops.Boot(ctx, true); err != nil {
			n.status = Error
			e := errors.New().Wrap(ErrBootFailed, err).WithData(n.name)
			g.log.ErrorWithCode(e).Str("node", n.name).Msg("Boot failed")
			return multierror.Append(result, e)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		n.status = Error
		return err
	}

	if n.initRef == 0 {
		n.status = PowerClockOn
	}
	*powered = append(*powered, n)

	g.log.Debug().Str("node", n.name).Msg("Powered on")

	return nil
}

func (g *Graph) releaseBoot(ctx context.Context, n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.bootRef == 0 {
		return errors.New().WithData(ErrNotAcquired, n.name)
	}

	n.bootRef--
	if n.bootRef != 0 {
		return nil
	}

	var result *multierror.Error

	if n.ops != nil {
		if err := n.ops.Boot(ctx, false); err != nil {
			e := errors.New().Wrap(ErrBootFailed, err).WithData(n.name)
			g.log.ErrorWithCode(e).Str("node", n.name).Msg("Power off failed")
			result = multierror.Append(result, e)
		}
	}

	if result != nil {
		n.status = Error
	} else {
		n.status = PowerClockOff
		g.log.Debug().Str("node", n.name).Msg("Powered off")
	}

	if n.parent != nil {
		if err := g.releaseBoot(ctx, n.parent); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (g *Graph) acquireInit(ctx context.Context, n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.initRef++
	if n.initRef != 1 {
		return nil
	}

	var result *multierror.Error

	if n.parent != nil {
		if err := g.acquireInit(ctx, n.parent); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n.ops != nil {
		if err := n.ops.Init(ctx, true); err != nil {
			n.status = Error
			e := errors.New().Wrap(ErrInitFailed, err).WithData(n.name)
			g.log.ErrorWithCode(e).Str("node", n.name).Msg("Init failed")
			return multierror.Append(result, e)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		n.status = Error
		return err
	}

	n.status = Active

	return nil
}

func (g *Graph) releaseInit(ctx context.Context, n *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initRef == 0 {
		return errors.New().WithData(ErrNotAcquired, n.name)
	}

	n.initRef--
	if n.initRef != 0 {
		return nil
	}

	var result *multierror.Error

	if n.ops != nil {
		if err := n.ops.Init(ctx, false); err != nil {
			e := errors.New().Wrap(ErrInitFailed, err).WithData(n.name)
			g.log.ErrorWithCode(e).Str("node", n.name).Msg("Deinit failed")
			result = multierror.Append(result, e)
		}
	}

	switch {
	case result != nil:
		n.status = Error
	case n.bootRef > 0:
		n.status = PowerClockOn
	default:
		n.status = PowerClockOff
	}

	if n.parent != nil {
		if err := g.releaseInit(ctx, n.parent); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
