package mode

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrUnknownMode = errors.ErrorCode("mode_unknown")
)
