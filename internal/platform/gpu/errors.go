package gpu

import (
	"codeberg.org/mutker/npuctl/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrInitFailed            = errors.ErrorCode("gpu_init_failed")
	ErrDeviceNotFound        = errors.ErrorCode("gpu_device_not_found")
	ErrShutdownFailed        = errors.ErrorCode("gpu_shutdown_failed")
	ErrTemperatureReadFailed = errors.ErrorCode("gpu_temperature_read_failed")
	ErrClockReadFailed       = errors.ErrorCode("gpu_clock_read_failed")
	ErrSetClockFailed        = errors.ErrorCode("gpu_set_clock_failed")
	ErrResetClockFailed      = errors.ErrorCode("gpu_reset_clock_failed")
)

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
