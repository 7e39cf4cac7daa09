package scheduler

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrInvalidParam  = errors.ErrorCode("scheduler_invalid_param")
	ErrUnknownAttr   = errors.ErrorCode("scheduler_unknown_attr")
	ErrReadOnlyAttr  = errors.ErrorCode("scheduler_read_only_attr")
	ErrInvalidAttr   = errors.ErrorCode("scheduler_invalid_attr")
	ErrConfigSkipped = errors.ErrorCode("scheduler_config_skipped")
	ErrNotOpen       = errors.ErrorCode("scheduler_not_open")
)
