package firmware

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrTimedOut   = errors.ErrorCode("firmware_timeout")
	ErrNack       = errors.ErrorCode("firmware_nack")
	ErrQueueFull  = errors.ErrorCode("firmware_queue_full")
	ErrPostFailed = errors.ErrorCode("firmware_post_failed")
	ErrCanceled   = errors.ErrorCode("firmware_canceled")
)
