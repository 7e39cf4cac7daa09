package metrics

import "codeberg.org/mutker/npuctl/internal/errors"

const (
	ErrNoSource = errors.ErrorCode("metrics_no_source")
	ErrListen   = errors.ErrorCode("metrics_listen_failed")
)
