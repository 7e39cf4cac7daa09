package scheduler

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"codeberg.org/mutker/npuctl/internal/config"
	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/firmware"
	"codeberg.org/mutker/npuctl/internal/hwdev"
	"codeberg.org/mutker/npuctl/internal/load"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/mode"
	"codeberg.org/mutker/npuctl/internal/platform/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type env struct {
	s      *Context
	clock  *sim.Clock
	sensor *sim.Sensor
	ch     *sim.Channel
	rail   *sim.Rail
	now    *fakeNow
}

func testConfig() *config.Config {
	domains, devices, lut, cmds := config.DefaultTopology()

	return &config.Config{
		Scheduler: config.SchedulerConfig{
			// Long enough that tests drive Tick by hand.
			Period:              time.Hour,
			LoadPolicy:          "fps",
			FPSPolicy:           "max",
			LoadWindow:          1,
			RequestedTPF:        16 * time.Millisecond,
			ResetFrameNum:       3,
			FreqIntervalDivisor: 10,
			BoostTimeout:        10 * time.Millisecond,
		},
		Governor: config.GovernorConfig{UpThreshold: 9000, DownThreshold: 6000, DownDelay: 1},
		Thermal: config.ThermalConfig{
			Enabled:      true,
			Threshold:    95000,
			ReducedIndex: 2,
			PGain:        80,
			IGain:        10,
			InvGain:      50,
			Margin:       50000,
			Period:       1,
			BufSize:      8,
		},
		Firmware: config.FirmwareConfig{
			Timeout:       500 * time.Millisecond,
			RetryCount:    3,
			RetryInterval: time.Millisecond,
		},
		LLC:      config.LLCConfig{ChunkSize: 512 * 1024, MaxWays: 16},
		Domains:  domains,
		Devices:  devices,
		LUT:      lut,
		DvfsCmds: cmds,
	}
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	e := &env{
		clock:  sim.NewClock(),
		sensor: sim.NewSensor(40000),
		ch:     sim.NewChannel(),
		rail:   sim.NewRail(),
		now:    &fakeNow{t: time.Unix(1700000000, 0)},
	}
	for _, dc := range cfg.Domains {
		steps := make([]dvfs.Freq, len(dc.Frequencies))
		for i, f := range dc.Frequencies {
			steps[i] = dvfs.Freq(f)
		}
		e.clock.SetTable(dc.Name, steps)
	}

	s, err := New(cfg, Deps{
		Clock:   e.clock,
		Sensor:  e.sensor,
		Channel: e.ch,
		Rail:    e.rail,
		Loader:  sim.NewLoader(),
		Logger:  logger.Nop(),
		Now:     e.now.Now,
	}, WithLockCheck())
	require.NoError(t, err)
	e.s = s

	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})

	return e
}

// running opens the scheduler with one loaded NPU session.
func (e *env) running(t *testing.T, uid int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.s.Open(ctx))
	require.NoError(t, e.s.RegisterSession(uid, 0, 0, hwdev.IDNPU))
	require.NoError(t, e.s.Load(ctx, uid))
}

func (e *env) cur(name string) dvfs.Freq {
	return e.s.Domain(name).CurFreq()
}

func TestNewRequiresPlatform(t *testing.T) {
	_, err := New(testConfig(), Deps{Clock: sim.NewClock()})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	_, err = New(nil, Deps{})
	assert.True(t, errors.HasCode(err, errors.ErrMissingConfig))
}

func TestNewSkipsInvalidEntries(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Domains = append(c.Domains,
			config.DomainConfig{Name: "EMPTY", IP: "core"},
			config.DomainConfig{Name: "BADGOV", Frequencies: []uint32{100}, IP: "core", Governor: "nope"},
		)
		c.Devices = append(c.Devices, config.DeviceConfig{Name: "ORPHAN", Kind: "npu", Parent: "GONE"})
	})

	warnings := e.s.Warnings()
	require.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.True(t, errors.HasCode(w, ErrConfigSkipped))
	}
	assert.Nil(t, e.s.Domain("EMPTY"))
	assert.NotNil(t, e.s.Domain("NPU0"))
	assert.Nil(t, e.s.Graph().Node("ORPHAN"))
}

func TestSessionMinFreqAggregatesAcrossSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.s.RegisterSession(1, 0, 0, hwdev.IDNPU))
	require.NoError(t, e.s.RegisterSession(2, 0, 0, hwdev.IDNPU))

	require.NoError(t, e.s.SetSessionMinFreq(1, "NPU0", 800000))
	require.NoError(t, e.s.SetSessionMinFreq(2, "NPU0", 600000))

	lo, _ := e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(800000), lo)

	require.NoError(t, e.s.UnregisterSession(ctx, 1))
	lo, _ = e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(600000), lo)

	require.NoError(t, e.s.SetSessionMinFreq(2, "NPU0", 0))
	lo, _ = e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(200000), lo)

	err := e.s.SetSessionMinFreq(2, "GPU", 1)
	assert.True(t, errors.HasCode(err, dvfs.ErrUnknownDomain))
	err = e.s.SetSessionMinFreq(9, "NPU0", 1)
	assert.True(t, errors.HasCode(err, load.ErrUnknownSession))
}

func TestDeferredModeHandshakeReplayedOnPowerOn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	res, err := e.s.SetParameter(ctx, 1, TargetPerfMode, uint32(mode.Boost))
	require.NoError(t, err)
	assert.Equal(t, Handled, res)
	assert.Equal(t, mode.Boost, e.s.Snapshot().Mode)
	assert.Empty(t, e.ch.PostsOf(firmware.KindMode))

	require.NoError(t, e.s.PowerOn(ctx, 1))
	require.Eventually(t, func() bool {
		return len(e.ch.PostsOf(firmware.KindMode)) == 1
	}, time.Second, 5*time.Millisecond)

	cmd := e.ch.PostsOf(firmware.KindMode)[0]
	assert.Equal(t, uint32(mode.Boost), cmd.Param0)
	assert.Equal(t, 1, cmd.UID)
	assert.True(t, e.rail.Powered("NPU0"))
	assert.True(t, e.rail.Powered("DNC"))
}

func TestModeHandshakeTimeoutReachesCaller(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Firmware.Timeout = 100 * time.Millisecond
	})
	ctx := context.Background()
	e.running(t, 1)
	require.NoError(t, e.s.PowerOn(ctx, 1))

	e.ch.SetDrop(true)
	res, err := e.s.SetParameter(ctx, 1, TargetPerfMode, uint32(mode.DN))
	assert.Equal(t, Handled, res)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, firmware.ErrTimedOut))
	assert.ErrorIs(t, err, syscall.ETIMEDOUT)

	// The vote itself stands.
	assert.Equal(t, mode.DN, e.s.Snapshot().Mode)
}

func TestSetParameterValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.s.RegisterSession(1, 0, 0, hwdev.IDNPU))

	res, err := e.s.SetParameter(ctx, 1, Target(100), 1)
	require.NoError(t, err)
	assert.Equal(t, NotMyBusiness, res)

	tests := []struct {
		name   string
		target Target
		value  uint32
	}{
		{"mode out of range", TargetPerfMode, uint32(mode.NumModes)},
		{"zero time per frame", TargetTimePerFrame, 0},
		{"priority too high", TargetPriority, MaxPriority + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.s.SetParameter(ctx, 1, tt.target, tt.value)
			assert.Equal(t, Handled, res)
			assert.True(t, errors.HasCode(err, ErrInvalidParam))
		})
	}

	snap := e.s.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, mode.Normal, snap.Sessions[0].Mode)
	assert.Equal(t, 16*time.Millisecond, snap.Sessions[0].RequestedTPF)
	assert.Equal(t, mode.Normal, snap.Mode)

	_, err = e.s.SetParameter(ctx, 7, TargetPriority, 1)
	assert.True(t, errors.HasCode(err, load.ErrUnknownSession))
}

func TestUnregisterReleasesModeVote(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)
	require.NoError(t, e.s.RegisterSession(2, 0, 0, hwdev.IDNPU))

	_, err := e.s.SetParameter(ctx, 1, TargetPerfMode, uint32(mode.BoostBlocking))
	require.NoError(t, err)
	_, err = e.s.SetParameter(ctx, 2, TargetPerfMode, uint32(mode.DN))
	require.NoError(t, err)
	assert.Equal(t, mode.BoostBlocking, e.s.Snapshot().Mode)

	require.NoError(t, e.s.UnregisterSession(ctx, 1))
	assert.Equal(t, mode.DN, e.s.Snapshot().Mode)

	require.NoError(t, e.s.UnregisterSession(ctx, 2))
	snap := e.s.Snapshot()
	assert.Equal(t, mode.Normal, snap.Mode)
	assert.Equal(t, [mode.NumModes]int{}, snap.ModeCounts)
}

// frame runs one frame of uid that takes d.
func (e *env) frame(t *testing.T, uid int, fid uint64, d time.Duration) {
	t.Helper()
	require.NoError(t, e.s.FrameSubmit(uid, fid))
	e.now.Advance(d)
	require.NoError(t, e.s.FrameComplete(uid, fid))
}

func TestTickFollowsLoad(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	assert.Equal(t, dvfs.Freq(1200000), e.cur("NPU0"))

	// The initial frequency holds for one tick; a new session counts as
	// fully loaded.
	e.s.Tick(ctx)
	assert.Equal(t, dvfs.Freq(1200000), e.cur("NPU0"))
	e.s.Tick(ctx)
	assert.Equal(t, dvfs.Freq(1200000), e.cur("NPU0"))

	e.frame(t, 1, 1, 8*time.Millisecond)
	e.s.Tick(ctx)
	assert.Equal(t, dvfs.Freq(1000000), e.cur("NPU0"))
	e.s.Tick(ctx)
	assert.Equal(t, dvfs.Freq(800000), e.cur("NPU0"))

	e.frame(t, 1, 2, 32*time.Millisecond)
	snap := e.s.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, uint32(20000), snap.Sessions[0].FPSLoad)

	e.s.Tick(ctx)
	assert.Equal(t, dvfs.Freq(1000000), e.cur("NPU0"))
	assert.Equal(t, uint32(20000), e.s.Snapshot().Load)

	// The DSP sees none of the NPU session's load.
	assert.Equal(t, dvfs.Freq(400000), e.cur("DSP"))
}

func TestModeFloorHoldsFrequency(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetPerfMode, uint32(mode.DN))
	require.NoError(t, err)
	e.frame(t, 1, 1, 8*time.Millisecond)

	for i := 0; i < 8; i++ {
		e.s.Tick(ctx)
	}

	assert.Equal(t, dvfs.Freq(600000), e.cur("NPU0"))
	assert.Equal(t, dvfs.Freq(200000), e.cur("DSP"))
}

func TestDisabledDVFSLeavesFrequencies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetDVFSDisable, 1)
	require.NoError(t, err)
	assert.Equal(t, dvfs.Freq(0), e.s.Domain("NPU0").Vote(dvfs.Governor))

	before := e.cur("NPU0")
	for i := 0; i < 4; i++ {
		e.s.Tick(ctx)
	}
	assert.Equal(t, before, e.cur("NPU0"))

	v, err := e.s.Attrs().Read("enable")
	require.NoError(t, err)
	assert.Equal(t, "0", v)
}

func TestThermalTableRegime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	e.sensor.Set(96000)
	e.s.Tick(ctx)

	_, hi := e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(800000), hi)
	_, hi = e.s.Domain("DNC").Limits()
	assert.Equal(t, dvfs.Freq(600000), hi)
	assert.Equal(t, dvfs.Freq(800000), e.s.Snapshot().ThermalLimit)

	e.sensor.Set(40000)
	e.s.Tick(ctx)
	_, hi = e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(1200000), hi)
}

func TestBoostNestsAndDrains(t *testing.T) {
	e := newEnv(t)

	e.s.BoostOn()
	e.s.BoostOn()
	lo, _ := e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(1200000), lo)
	assert.Equal(t, 2, e.s.Boosting())

	// One holder remains; it is dropped after the boost timeout.
	e.s.BoostOff()
	assert.Equal(t, 1, e.s.Boosting())
	assert.Equal(t, dvfs.Freq(1200000), e.s.Domain("NPU0").Vote(dvfs.Boost))

	require.Eventually(t, func() bool {
		return e.s.Boosting() == 0
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, dvfs.Freq(0), e.s.Domain("NPU0").Vote(dvfs.Boost))
}

func TestBoostOffAfterReplacesPending(t *testing.T) {
	e := newEnv(t)

	e.s.BoostOn()
	e.s.BoostOffAfter(time.Hour)
	e.s.BoostOffAfter(5 * time.Millisecond)

	require.Eventually(t, func() bool {
		return e.s.Boosting() == 0
	}, time.Second, 2*time.Millisecond)

	e.s.BoostOff()
	assert.Equal(t, 0, e.s.Boosting())
}

func TestOpenCloseLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	assert.True(t, e.s.Running())
	lo, _ := e.s.Domain("NPU0").Limits()
	assert.Equal(t, dvfs.Freq(1200000), lo)

	require.NoError(t, e.s.PowerOn(ctx, 1))
	require.NoError(t, e.s.Suspend(ctx))
	assert.False(t, e.s.Running())
	assert.Equal(t, dvfs.Freq(200000), e.cur("DSP"))
	assert.Equal(t, dvfs.Freq(400000), e.cur("NPU0"))
	require.NoError(t, e.s.Resume(ctx))
	assert.True(t, e.s.Running())

	require.NoError(t, e.s.Close(ctx))
	assert.False(t, e.s.Running())
	assert.Equal(t, dvfs.Freq(0), e.s.Domain("NPU0").Vote(dvfs.Governor))
	assert.Equal(t, dvfs.Freq(200000), e.cur("NPU0"))
	assert.Equal(t, 0, e.s.Graph().Node("NPU0").BootRefcount())
	assert.Equal(t, 0, e.s.Graph().Node("DNC").BootRefcount())

	err := e.s.Load(ctx, 1)
	assert.True(t, errors.HasCode(err, ErrNotOpen))
}

func TestPowerOnTakesBalancedReferences(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	require.NoError(t, e.s.PowerOn(ctx, 1))
	require.NoError(t, e.s.PowerOn(ctx, 1))

	npu := e.s.Graph().Node("NPU0")
	assert.Equal(t, 1, npu.BootRefcount())
	assert.Equal(t, 1, npu.InitRefcount())
	assert.Equal(t, hwdev.Active, npu.Status())

	require.NoError(t, e.s.PowerOff(ctx, 1))
	assert.Equal(t, 0, npu.BootRefcount())
	assert.Equal(t, 0, npu.InitRefcount())
	assert.Equal(t, 0, e.s.Graph().Node("DNC").BootRefcount())
	assert.False(t, e.rail.Powered("NPU0"))
}

func TestDVFSUnsetTimeDefersDeactivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetDVFSUnsetTime, 20)
	require.NoError(t, err)
	require.NoError(t, e.s.Unload(ctx, 1))

	assert.Equal(t, dvfs.Freq(1200000), e.s.Domain("NPU0").Vote(dvfs.Governor))
	require.Eventually(t, func() bool {
		return e.s.Domain("NPU0").Vote(dvfs.Governor) == 0
	}, time.Second, 2*time.Millisecond)
}

func TestUnregisterLoadedSessionDeactivates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)
	require.NoError(t, e.s.RegisterSession(2, 0, 0, hwdev.IDNPU))
	require.NoError(t, e.s.Load(ctx, 2))

	require.NoError(t, e.s.UnregisterSession(ctx, 1))
	assert.Equal(t, dvfs.Freq(1200000), e.s.Domain("NPU0").Vote(dvfs.Governor))

	require.NoError(t, e.s.UnregisterSession(ctx, 2))
	assert.Equal(t, dvfs.Freq(0), e.s.Domain("NPU0").Vote(dvfs.Governor))
}

func TestUnregisterHonorsDVFSUnsetTime(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetDVFSUnsetTime, 20)
	require.NoError(t, err)
	require.NoError(t, e.s.UnregisterSession(ctx, 1))

	assert.Equal(t, dvfs.Freq(1200000), e.s.Domain("NPU0").Vote(dvfs.Governor))
	require.Eventually(t, func() bool {
		return e.s.Domain("NPU0").Vote(dvfs.Governor) == 0
	}, time.Second, 2*time.Millisecond)
}

func TestReloadCancelsDeferredUnset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetDVFSUnsetTime, 10)
	require.NoError(t, err)
	require.NoError(t, e.s.Unload(ctx, 1))
	require.NoError(t, e.s.Load(ctx, 1))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, dvfs.Freq(1200000), e.s.Domain("NPU0").Vote(dvfs.Governor))
}

func TestSetInitFreq(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	e.frame(t, 1, 1, 8*time.Millisecond)
	for i := 0; i < 4; i++ {
		e.s.Tick(ctx)
	}
	require.Equal(t, dvfs.Freq(600000), e.cur("NPU0"))

	// The ratio moves halfway from 100% towards 600/1200 per batch.
	e.frame(t, 1, 2, 8*time.Millisecond)
	require.NoError(t, e.s.SetInitFreq(ctx, 1))

	assert.Equal(t, dvfs.Freq(1000000), e.s.Domain("NPU0").Vote(dvfs.Governor))
	assert.Equal(t, dvfs.Freq(600000), e.s.Domain("DSP").Vote(dvfs.Governor))
}

func TestHWACGOverride(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)

	_, err := e.s.SetParameter(ctx, 1, TargetHWACGDisableDSP, 1)
	require.NoError(t, err)
	assert.Empty(t, e.ch.PostsOf(firmware.KindHWACG))

	require.NoError(t, e.s.PowerOn(ctx, 1))
	require.Eventually(t, func() bool {
		return len(e.ch.PostsOf(firmware.KindHWACG)) > 0
	}, time.Second, 5*time.Millisecond)

	cmd := e.ch.PostsOf(firmware.KindHWACG)[0]
	assert.Equal(t, uint32(hwdev.IDDSP), cmd.Param0)
	assert.Equal(t, uint32(1), cmd.Param1)
}

func TestLLCSizeSentWithMode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.running(t, 1)
	require.NoError(t, e.s.PowerOn(ctx, 1))

	_, err := e.s.SetParameter(ctx, 1, TargetPerfMode, uint32(mode.Boost))
	require.NoError(t, err)
	_, err = e.s.SetParameter(ctx, 1, TargetLLCSize, 2048)
	require.NoError(t, err)

	posts := e.ch.PostsOf(firmware.KindMode)
	require.NotEmpty(t, posts)
	last := posts[len(posts)-1]
	assert.Equal(t, uint32(mode.Boost), last.Param0)
	assert.Equal(t, uint32(4)<<19, last.Param1)
}

func TestAttrs(t *testing.T) {
	e := newEnv(t)
	a := e.s.Attrs()

	tests := []struct {
		name  string
		value string
		code  errors.ErrorCode
	}{
		{"period", "0", ErrInvalidAttr},
		{"period", "abc", ErrInvalidAttr},
		{"load_window", "65", ErrInvalidAttr},
		{"pid_period", "0", ErrInvalidAttr},
		{"enable", "2", ErrInvalidAttr},
		{"fps_policy", "median", ErrInvalidAttr},
		{"mode", "1", ErrReadOnlyAttr},
		{"nope", "1", ErrUnknownAttr},
	}

	for _, tt := range tests {
		t.Run(tt.name+"="+tt.value, func(t *testing.T) {
			err := a.Write(tt.name, tt.value)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}

	v, err := a.Read("period")
	require.NoError(t, err)
	assert.Equal(t, "3600000", v)

	require.NoError(t, a.Write("period", "20\n"))
	assert.Equal(t, 20*time.Millisecond, e.s.Period())

	require.NoError(t, a.Write("load_window", "8"))
	v, _ = a.Read("load_window")
	assert.Equal(t, "8", v)

	require.NoError(t, a.Write("fps_policy", "avg2"))
	v, _ = a.Read("fps_policy")
	assert.Equal(t, "avg2", v)

	require.NoError(t, a.Write("pid_p_gain", "5"))
	v, _ = a.Read("pid_p_gain")
	assert.Equal(t, "5", v)
	v, _ = a.Read("pid_i_gain")
	assert.Equal(t, "10", v)

	v, _ = a.Read("ip_max_freq")
	assert.Contains(t, v, "NPU0 1200000\n")

	v, _ = a.Read("mode")
	assert.Equal(t, "0 normal", v)

	v, _ = a.Read("modes")
	assert.True(t, strings.HasPrefix(v, "0 normal\n1 boost\n"))

	require.NoError(t, a.Write("boost", "1"))
	v, _ = a.Read("boost")
	assert.Equal(t, "1", v)

	assert.Contains(t, a.Names(), "pid_inv_gain")
	_, err = a.Read("missing")
	assert.True(t, errors.HasCode(err, ErrUnknownAttr))
}

func TestLockOrderViolationPanics(t *testing.T) {
	e := newEnv(t)

	e.s.lockExec()
	assert.Panics(t, func() {
		e.s.withLoad(func() {})
	})
	assert.Panics(t, func() {
		e.s.lockParam()
	})
	e.s.unlockExec()

	assert.NotPanics(t, func() {
		e.s.lockParam()
		e.s.withLoad(func() {
			e.s.lockExec()
			e.s.unlockExec()
		})
		e.s.unlockParam()
	})
}

func TestLoopTicksOnItsOwn(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Scheduler.Period = 2 * time.Millisecond
	})
	ctx := context.Background()
	e.running(t, 1)

	e.sensor.Set(96000)
	require.Eventually(t, func() bool {
		_, hi := e.s.Domain("NPU0").Limits()
		return hi == 800000
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, e.s.Close(ctx))
}
