package dvfs

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrInvalidTable    = errors.ErrorCode("dvfs_invalid_table")
	ErrInvalidLUT      = errors.ErrorCode("dvfs_invalid_lut")
	ErrOutOfRange      = errors.ErrorCode("dvfs_out_of_range")
	ErrUnknownDomain   = errors.ErrorCode("dvfs_unknown_domain")
	ErrDuplicateDomain = errors.ErrorCode("dvfs_duplicate_domain")
	ErrUnknownVoter    = errors.ErrorCode("dvfs_unknown_voter")
	ErrSetFrequency    = errors.ErrorCode("dvfs_set_freq_failed")
)
