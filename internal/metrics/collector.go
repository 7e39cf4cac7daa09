// Package metrics exports scheduler state to Prometheus.
package metrics

import (
	"strconv"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/mode"
	"codeberg.org/mutker/npuctl/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
)

// Source provides the state to export.
type Source interface {
	Snapshot() scheduler.Snapshot
}

const (
	modeDesc = iota
	loadDesc
	idleDesc
	enabledDesc
	boostDesc
	domainFreqDesc
	temperatureDesc
	thermalLimitDesc
	sessionLoadDesc
	modeRefcountDesc
	handshakeDesc

	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	modeDesc: prometheus.NewDesc(
		"npu_mode",
		"Effective performance mode index.",
		nil, nil,
	),
	loadDesc: prometheus.NewDesc(
		"npu_load",
		"System load after windowing, in 1/100 percent.",
		nil, nil,
	),
	idleDesc: prometheus.NewDesc(
		"npu_idle_seconds",
		"Time since the last frame completed while no frame was in flight.",
		nil, nil,
	),
	enabledDesc: prometheus.NewDesc(
		"npu_dvfs_enabled",
		"1 when the governors drive frequencies.",
		nil, nil,
	),
	boostDesc: prometheus.NewDesc(
		"npu_boost_holders",
		"Number of outstanding boost requests.",
		nil, nil,
	),
	domainFreqDesc: prometheus.NewDesc(
		"npu_domain_frequency_khz",
		"Frequency domain state in kHz.",
		[]string{"domain", "bound"}, nil,
	),
	temperatureDesc: prometheus.NewDesc(
		"npu_temperature_millicelsius",
		"Last sampled die temperature.",
		nil, nil,
	),
	thermalLimitDesc: prometheus.NewDesc(
		"npu_thermal_limit_khz",
		"Core ceiling issued by thermal management, 0 before the first decision.",
		nil, nil,
	),
	sessionLoadDesc: prometheus.NewDesc(
		"npu_session_fps_load",
		"Per-session fps load, in 1/100 percent.",
		[]string{"uid"}, nil,
	),
	modeRefcountDesc: prometheus.NewDesc(
		"npu_mode_refcount",
		"Number of sessions requesting each mode.",
		[]string{"mode"}, nil,
	),
	handshakeDesc: prometheus.NewDesc(
		"npu_handshake_total",
		"Firmware handshake outcomes.",
		[]string{"result"}, nil,
	),
}

type collector struct {
	src Source
}

// NewCollector returns a collector that reads a fresh snapshot on every scrape.
func NewCollector(src Source) (prometheus.Collector, error) {
	if src == nil {
		return nil, errors.New().WithMessage(ErrNoSource, "snapshot source is nil")
	}

	return &collector{src: src}, nil
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()

	gauge := func(idx int, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, v, labels...)
	}
	counter := func(v uint64, result string) {
		ch <- prometheus.MustNewConstMetric(descriptors[handshakeDesc], prometheus.CounterValue, float64(v), result)
	}

	gauge(modeDesc, float64(snap.Mode))
	gauge(loadDesc, float64(snap.Load))
	gauge(idleDesc, snap.Idle.Seconds())
	gauge(enabledDesc, boolValue(snap.Enabled))
	gauge(boostDesc, float64(snap.Boost))
	gauge(temperatureDesc, float64(snap.Temperature))
	gauge(thermalLimitDesc, float64(snap.ThermalLimit))

	for _, d := range snap.Domains {
		gauge(domainFreqDesc, float64(d.Cur), d.Name, "cur")
		gauge(domainFreqDesc, float64(d.Min), d.Name, "min")
		gauge(domainFreqDesc, float64(d.Max), d.Name, "max")
		gauge(domainFreqDesc, float64(d.LimitMin), d.Name, "limit_min")
		gauge(domainFreqDesc, float64(d.LimitMax), d.Name, "limit_max")
	}

	for _, s := range snap.Sessions {
		gauge(sessionLoadDesc, float64(s.FPSLoad), strconv.Itoa(s.UID))
	}

	// Normal is the absence of a vote and carries no count.
	for m := mode.Boost; int(m) < mode.NumModes; m++ {
		gauge(modeRefcountDesc, float64(snap.ModeCounts[m]), m.String())
	}

	counter(snap.Handshake.Acked, "ack")
	counter(snap.Handshake.Nacked, "nack")
	counter(snap.Handshake.TimedOut, "timeout")
	counter(snap.Handshake.Full, "queue_full")
	counter(snap.Handshake.Late, "late")
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
