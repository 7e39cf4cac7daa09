package hwdev

import (
	"context"

	"codeberg.org/mutker/npuctl/internal/errors"
)

// HwDeviceOps performs the hardware side of a node's transitions.
type HwDeviceOps interface {
	Boot(ctx context.Context, on bool) error
	Init(ctx context.Context, on bool) error
}

// PowerRail switches power and clocks of a named block.
type PowerRail interface {
	SetPower(ctx context.Context, name string, on bool) error
	SetClock(ctx context.Context, name string, on bool) error
}

// ImageLoader loads and releases a block's executable image.
type ImageLoader interface {
	Load(ctx context.Context, name string) error
	Unload(ctx context.Context, name string) error
}

// Kind selects the ops variant for a node.
type Kind string

const (
	KindNPU     Kind = "npu"
	KindDSP     Kind = "dsp"
	KindDNC     Kind = "dnc"
	KindMisc    Kind = "misc"
	KindLogical Kind = "logical"
)

// ID returns the hardware id bit a kind contributes to session masks.
func (k Kind) ID() ID {
	switch k {
	case KindNPU:
		return IDNPU
	case KindDSP:
		return IDDSP
	case KindDNC:
		return IDDNC
	case KindMisc:
		return IDMisc
	}

	return 0
}

// NewOps builds the ops for kind on top of the platform rail and loader.
// Logical nodes have no ops.
func NewOps(kind Kind, name string, rail PowerRail, loader ImageLoader) (HwDeviceOps, error) {
	switch kind {
	case KindNPU:
		return &NPUOps{name: name, rail: rail, loader: loader}, nil
	case KindDSP:
		return &DSPOps{name: name, rail: rail, loader: loader}, nil
	case KindDNC, KindMisc:
		return &DNCOps{name: name, rail: rail}, nil
	case KindLogical:
		return nil, nil
	}

	return nil, errors.New().WithData(ErrUnknownKind, string(kind))
}

// railBoot powers up before ungating clocks and reverses the order on the
// way down.
func railBoot(ctx context.Context, rail PowerRail, name string, on bool) error {
	if on {
		if err := rail.SetPower(ctx, name, true); err != nil {
			return err
		}
		return rail.SetClock(ctx, name, true)
	}

	if err := rail.SetClock(ctx, name, false); err != nil {
		return err
	}
	return rail.SetPower(ctx, name, false)
}

// NPUOps drives an NPU core. Init brings the core firmware up.
type NPUOps struct {
	name   string
	rail   PowerRail
	loader ImageLoader
}

func (o *NPUOps) Boot(ctx context.Context, on bool) error {
	return railBoot(ctx, o.rail, o.name, on)
}

func (o *NPUOps) Init(ctx context.Context, on bool) error {
	if o.loader == nil {
		return nil
	}
	if on {
		return o.loader.Load(ctx, o.name)
	}
	return o.loader.Unload(ctx, o.name)
}

// DSPOps drives a DSP. Init loads the DSP kernel image.
type DSPOps struct {
	name   string
	rail   PowerRail
	loader ImageLoader
}

func (o *DSPOps) Boot(ctx context.Context, on bool) error {
	return railBoot(ctx, o.rail, o.name, on)
}

func (o *DSPOps) Init(ctx context.Context, on bool) error {
	if o.loader == nil {
		return nil
	}
	if on {
		return o.loader.Load(ctx, o.name+".kernel")
	}
	return o.loader.Unload(ctx, o.name+".kernel")
}

// DNCOps drives the shared dispatch controller; it has nothing to init.
type DNCOps struct {
	name string
	rail PowerRail
}

func (o *DNCOps) Boot(ctx context.Context, on bool) error {
	return railBoot(ctx, o.rail, o.name, on)
}

func (*DNCOps) Init(context.Context, bool) error { return nil }
