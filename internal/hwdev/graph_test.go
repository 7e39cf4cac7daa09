package hwdev

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeOps struct {
	name    string
	rec     *recorder
	bootErr error
}

func (f *fakeOps) Boot(_ context.Context, on bool) error {
	f.rec.add(fmt.Sprintf("%s.boot(%v)", f.name, on))
	return f.bootErr
}

func (f *fakeOps) Init(_ context.Context, on bool) error {
	f.rec.add(fmt.Sprintf("%s.init(%v)", f.name, on))
	return nil
}

func newTestGraph(t *testing.T) (*Graph, *recorder, map[string]*fakeOps) {
	t.Helper()

	rec := &recorder{}
	g := NewGraph(logger.Nop())
	ops := map[string]*fakeOps{}

	for _, n := range []struct {
		name, parent string
		kind         Kind
	}{
		{"DNC", "", KindDNC},
		{"NPU0", "DNC", KindNPU},
		{"NPU1", "DNC", KindNPU},
	} {
		ops[n.name] = &fakeOps{name: n.name, rec: rec}
		_, err := g.Register(n.name, n.kind, n.parent, ops[n.name])
		require.NoError(t, err)
	}

	return g, rec, ops
}

func TestRegisterValidation(t *testing.T) {
	g := NewGraph(logger.Nop())

	_, err := g.Register("NPU0", KindNPU, "DNC", nil)
	assert.True(t, errors.HasCode(err, ErrUnknownParent))

	_, err = g.Register("DNC", KindDNC, "", nil)
	require.NoError(t, err)
	_, err = g.Register("DNC", KindDNC, "", nil)
	assert.True(t, errors.HasCode(err, ErrDuplicateNode))

	err = g.AcquireBoot(context.Background(), "missing")
	assert.True(t, errors.HasCode(err, ErrUnknownNode))
}

func TestBootParentFirstChildLast(t *testing.T) {
	ctx := context.Background()
	g, rec, _ := newTestGraph(t)

	require.NoError(t, g.AcquireBoot(ctx, "NPU0"))
	require.NoError(t, g.AcquireBoot(ctx, "NPU1"))
	assert.Equal(t, 2, g.Node("DNC").BootRefcount(), "each child takes one parent reference")

	require.NoError(t, g.ReleaseBoot(ctx, "NPU0"))
	require.NoError(t, g.ReleaseBoot(ctx, "NPU1"))

	assert.Equal(t, []string{
		"DNC.boot(true)",
		"NPU0.boot(true)",
		"NPU1.boot(true)",
		"NPU0.boot(false)",
		"NPU1.boot(false)",
		"DNC.boot(false)",
	}, rec.list())

	for _, n := range g.Nodes() {
		assert.Equal(t, 0, n.BootRefcount())
		assert.Equal(t, PowerClockOff, n.Status())
	}
}

func TestOpsCalledOnlyOnTransitions(t *testing.T) {
	ctx := context.Background()
	g, rec, _ := newTestGraph(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, g.AcquireBoot(ctx, "NPU0"))
	}
	assert.Equal(t, 3, g.Node("NPU0").BootRefcount())
	assert.Equal(t, PowerClockOn, g.Node("NPU0").Status())

	for i := 0; i < 3; i++ {
		require.NoError(t, g.ReleaseBoot(ctx, "NPU0"))
	}

	assert.Len(t, rec.list(), 4)

	err := g.ReleaseBoot(ctx, "NPU0")
	assert.True(t, errors.HasCode(err, ErrNotAcquired))
	assert.Equal(t, 0, g.Node("NPU0").BootRefcount(), "refcount never goes negative")
}

func TestInitLifecycleAndSecureMode(t *testing.T) {
	ctx := context.Background()
	g, rec, _ := newTestGraph(t)

	require.NoError(t, g.AcquireBoot(ctx, "NPU0"))
	require.NoError(t, g.AcquireInit(ctx, "NPU0"))
	assert.Equal(t, Active, g.Node("NPU0").Status())
	assert.Equal(t, 1, g.Node("DNC").InitRefcount())

	require.NoError(t, g.ReleaseInit(ctx, "NPU0"))
	assert.Equal(t, PowerClockOn, g.Node("NPU0").Status())
	require.NoError(t, g.ReleaseBoot(ctx, "NPU0"))

	before := len(rec.list())
	g.SetSecure(true)
	require.NoError(t, g.AcquireInit(ctx, "NPU0"))
	require.NoError(t, g.ReleaseInit(ctx, "NPU0"))
	assert.Len(t, rec.list(), before, "secure mode skips init entirely")
	assert.Equal(t, 0, g.Node("NPU0").InitRefcount())
}

func TestBootFailureKeepsRefcount(t *testing.T) {
	ctx := context.Background()
	g, _, ops := newTestGraph(t)
	ops["NPU0"].bootErr = assert.AnError

	err := g.AcquireBoot(ctx, "NPU0")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrBootFailed))
	assert.Equal(t, 1, g.Node("NPU0").BootRefcount())
	assert.Equal(t, Error, g.Node("NPU0").Status())

	ops["NPU0"].bootErr = nil
	require.NoError(t, g.ReleaseBoot(ctx, "NPU0"))
	assert.Equal(t, 0, g.Node("DNC").BootRefcount())
}

func TestPowerOnListener(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)

	var powered []string
	g.OnPowerOn(func(n *Node) { powered = append(powered, n.Name()) })

	require.NoError(t, g.AcquireBoot(ctx, "NPU0"))
	require.NoError(t, g.AcquireBoot(ctx, "NPU0"))
	assert.Equal(t, []string{"DNC", "NPU0"}, powered)
}

func TestGuardReleasesOnce(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)

	guard, err := g.Boot(ctx, "NPU1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Node("NPU1").BootRefcount())

	require.NoError(t, guard.Release(ctx))
	require.NoError(t, guard.Release(ctx))
	assert.Equal(t, 0, g.Node("NPU1").BootRefcount())

	_, err = g.Init(ctx, "nope")
	assert.True(t, errors.HasCode(err, ErrUnknownNode))
}

func TestConcurrentAcquireRelease(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "NPU0"
			if i%2 == 1 {
				name = "NPU1"
			}
			for j := 0; j < 100; j++ {
				_ = g.AcquireBoot(ctx, name)
				_ = g.ReleaseBoot(ctx, name)
			}
		}(i)
	}
	wg.Wait()

	for _, n := range g.Nodes() {
		assert.Equal(t, 0, n.BootRefcount(), n.Name())
		assert.Equal(t, PowerClockOff, n.Status(), n.Name())
	}
}

type fakeRail struct {
	rec *recorder
}

func (r *fakeRail) SetPower(_ context.Context, name string, on bool) error {
	r.rec.add(fmt.Sprintf("%s.power(%v)", name, on))
	return nil
}

func (r *fakeRail) SetClock(_ context.Context, name string, on bool) error {
	r.rec.add(fmt.Sprintf("%s.clock(%v)", name, on))
	return nil
}

type fakeLoader struct {
	rec *recorder
}

func (l *fakeLoader) Load(_ context.Context, name string) error {
	l.rec.add("load " + name)
	return nil
}

func (l *fakeLoader) Unload(_ context.Context, name string) error {
	l.rec.add("unload " + name)
	return nil
}

func TestOpsVariants(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	rail, loader := &fakeRail{rec}, &fakeLoader{rec}

	dsp, err := NewOps(KindDSP, "DSP", rail, loader)
	require.NoError(t, err)
	require.NoError(t, dsp.Boot(ctx, true))
	require.NoError(t, dsp.Init(ctx, true))
	require.NoError(t, dsp.Init(ctx, false))
	require.NoError(t, dsp.Boot(ctx, false))

	assert.Equal(t, []string{
		"DSP.power(true)", "DSP.clock(true)",
		"load DSP.kernel", "unload DSP.kernel",
		"DSP.clock(false)", "DSP.power(false)",
	}, rec.list())

	logical, err := NewOps(KindLogical, "L", rail, loader)
	require.NoError(t, err)
	assert.Nil(t, logical)

	_, err = NewOps("gpu", "X", rail, loader)
	assert.True(t, errors.HasCode(err, ErrUnknownKind))

	assert.Equal(t, "npu|dnc", (IDNPU | IDDNC).String())
}
