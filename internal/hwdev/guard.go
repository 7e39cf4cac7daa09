package hwdev

import (
	"context"
	"sync"
)

// Guard releases exactly the reference it was created for, once.
type Guard struct {
	graph *Graph
	name  string
	init  bool
	once  sync.Once
}

// Boot acquires a boot reference on name. The guard is returned even when
// the acquire reported an error, since the reference was still taken.
func (g *Graph) Boot(ctx context.Context, name string) (*Guard, error) {
	if g.Node(name) == nil {
		_, err := g.lookup(name)
		return nil, err
	}

	err := g.AcquireBoot(ctx, name)
	return &Guard{graph: g, name: name}, err
}

// Init acquires an init reference on name.
func (g *Graph) Init(ctx context.Context, name string) (*Guard, error) {
	if g.Node(name) == nil {
		_, err := g.lookup(name)
		return nil, err
	}

	err := g.AcquireInit(ctx, name)
	return &Guard{graph: g, name: name, init: true}, err
}

// Release drops the reference. Calls after the first are no-ops.
func (gd *Guard) Release(ctx context.Context) error {
	var err error
	gd.once.Do(func() {
		if gd.init {
			err = gd.graph.ReleaseInit(ctx, gd.name)
		} else {
			err = gd.graph.ReleaseBoot(ctx, gd.name)
		}
	})

	return err
}
