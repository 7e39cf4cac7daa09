package main

import (
	"context"
	"testing"

	"codeberg.org/mutker/npuctl/internal/config"
	"codeberg.org/mutker/npuctl/internal/dvfs"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSimPlatform(t *testing.T) {
	c := &config.Config{Platform: "sim"}
	c.Domains, c.Devices, c.LUT, c.DvfsCmds = config.DefaultTopology()
	require.NotEmpty(t, c.Domains)

	p, err := openPlatform(c, logger.Nop())
	require.NoError(t, err)
	defer p.close()

	d := c.Domains[0]
	top := dvfs.Freq(d.Frequencies[len(d.Frequencies)-1])
	got, err := p.deps.Clock.SetFrequency(d.Name, top+1)
	require.NoError(t, err)
	assert.Equal(t, top, got)

	_, err = p.deps.Sensor.Temperature(context.Background())
	assert.NoError(t, err)
	assert.NotNil(t, p.deps.Rail)
	assert.NotNil(t, p.deps.Loader)
	assert.NotNil(t, p.deps.Channel)
}

func TestOpenUnknownPlatform(t *testing.T) {
	_, err := openPlatform(&config.Config{Platform: "fpga"}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}
