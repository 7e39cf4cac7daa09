package load

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrUnknownSession   = errors.ErrorCode("load_unknown_session")
	ErrDuplicateSession = errors.ErrorCode("load_duplicate_session")
	ErrUnknownFrame     = errors.ErrorCode("load_unknown_frame")
	ErrDuplicateFrame   = errors.ErrorCode("load_duplicate_frame")
	ErrInvalidValue     = errors.ErrorCode("load_invalid_value")
	ErrUnknownPolicy    = errors.ErrorCode("load_unknown_policy")
)
