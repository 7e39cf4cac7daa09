package hwdev

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrUnknownNode   = errors.ErrorCode("hwdev_unknown_node")
	ErrUnknownParent = errors.ErrorCode("hwdev_unknown_parent")
	ErrDuplicateNode = errors.ErrorCode("hwdev_duplicate_node")
	ErrNotAcquired   = errors.ErrorCode("hwdev_not_acquired")
	ErrBootFailed    = errors.ErrorCode("hwdev_boot_failed")
	ErrInitFailed    = errors.ErrorCode("hwdev_init_failed")
	ErrUnknownKind   = errors.ErrorCode("hwdev_unknown_kind")
)
