package governor

import (
	"testing"

	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDomain(t *testing.T) *dvfs.Domain {
	t.Helper()

	table, err := dvfs.NewTable([]dvfs.Freq{200000, 400000, 600000, 800000})
	require.NoError(t, err)

	return dvfs.NewDomain(dvfs.Options{Name: "NPU0"}, table, nil, logger.Nop())
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"performance", "powersave", "simple", "userspace"}, Names())

	for _, n := range Names() {
		g, err := New(n, Config{})
		require.NoError(t, err)
		assert.Equal(t, n, g.Name())
	}

	_, err := New("ondemand", Config{})
	assert.True(t, errors.HasCode(err, ErrUnknownGovernor))
}

func TestSimpleStepsUpAndDown(t *testing.T) {
	d := testDomain(t)
	g, err := New("simple", Config{UpThreshold: 9000, DownThreshold: 5000, DownDelay: 2})
	require.NoError(t, err)
	g.Start(d)

	target := g.Target(d, 12000)
	assert.Equal(t, dvfs.Freq(400000), target)
	_, err = d.SetVoter(dvfs.Governor, target)
	require.NoError(t, err)

	assert.Equal(t, dvfs.Freq(600000), g.Target(d, 9000))
	assert.Equal(t, dvfs.Freq(400000), g.Target(d, 7000), "load between thresholds holds")

	assert.Equal(t, dvfs.Freq(400000), g.Target(d, 1000), "first low tick is absorbed by the delay")
	assert.Equal(t, dvfs.Freq(200000), g.Target(d, 1000))

	g.Stop(d)
}

func TestSimpleSaturatesAtTableEnds(t *testing.T) {
	d := testDomain(t)
	g, err := New("simple", Config{UpThreshold: 9000, DownThreshold: 5000, DownDelay: 1})
	require.NoError(t, err)

	assert.Equal(t, dvfs.Freq(200000), g.Target(d, 0))

	_, err = d.SetVoter(dvfs.Governor, 800000)
	require.NoError(t, err)
	assert.Equal(t, dvfs.Freq(800000), g.Target(d, 50000))
}

func TestFixedGovernors(t *testing.T) {
	d := testDomain(t)

	perf, err := New("performance", Config{})
	require.NoError(t, err)
	assert.Equal(t, dvfs.Freq(800000), perf.Target(d, 0))

	save, err := New("powersave", Config{})
	require.NoError(t, err)
	assert.Equal(t, dvfs.Freq(200000), save.Target(d, 50000))

	g, err := New("userspace", Config{})
	require.NoError(t, err)
	g.Start(d)
	assert.Equal(t, dvfs.Freq(200000), g.Target(d, 0))

	g.(*Userspace).Set("NPU0", 600000)
	assert.Equal(t, dvfs.Freq(600000), g.Target(d, 0))
}
