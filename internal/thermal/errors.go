package thermal

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrSensorRead   = errors.ErrorCode("thermal_sensor_read_failed")
	ErrInvalidParam = errors.ErrorCode("thermal_invalid_param")
)
