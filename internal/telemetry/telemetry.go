// Package telemetry persists scheduler snapshots to a local SQLite database.
package telemetry

import (
	"context"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/scheduler"
)

// Collector records scheduler snapshots.
type Collector interface {
	Record(ctx context.Context, snapshot *scheduler.Snapshot) error
	Close() error
}

// Repository is the storage behind a Collector.
type Repository interface {
	Store(snapshot scheduler.Snapshot) error
	Close() error
}

type service struct {
	repo Repository
}

type noopCollector struct{}

// NewService opens the store described by cfg, or returns a collector that
// discards everything when telemetry is disabled.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Telemetry disabled, using no-op collector")
		return noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, snapshot *scheduler.Snapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.New(ErrInvalidSnapshot)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.Store(*snapshot); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	return nil
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (noopCollector) Record(context.Context, *scheduler.Snapshot) error { return nil }

func (noopCollector) Close() error { return nil }
