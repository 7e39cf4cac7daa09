package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/npuctl/internal/config"
	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/metrics"
	"codeberg.org/mutker/npuctl/internal/pid"
	"codeberg.org/mutker/npuctl/internal/scheduler"
	"codeberg.org/mutker/npuctl/internal/telemetry"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 5 * time.Second

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(string(cfg.LogLevel))
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	err = run(ctx)
	cancel()

	if rmErr := pid.Remove(); rmErr != nil {
		logger.Warn().Err(rmErr).Msg("Failed to remove PID file")
	}

	if err != nil {
		logger.Error().Err(err).Msg("Exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) (err error) {
	errFactory := errors.New()
	log := logger.New("npuctl")

	plat, err := openPlatform(cfg, log.With("platform"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	sched, err := scheduler.New(cfg, plat.deps)
	if err != nil {
		plat.close()
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	for _, w := range sched.Warnings() {
		log.Warn().Err(w).Msg("Configuration entry skipped")
	}

	tel, err := telemetry.NewService(telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		DBPath:       cfg.Telemetry.DBPath,
		BatchSize:    cfg.Telemetry.BatchSize,
		BatchTimeout: cfg.Telemetry.BatchTimeout,
	}, log.With("telemetry"))
	if err != nil {
		plat.close()
		return errFactory.Wrap(errors.ErrInitTelemetry, err)
	}

	var srv *metrics.Server
	defer func() {
		err = shutdown(srv, tel, sched, plat, err)
	}()

	if cfg.MetricsAddr != "" {
		if srv, err = serveMetrics(cfg.MetricsAddr, sched, log.With("http")); err != nil {
			return err
		}
	}

	if err := sched.Open(ctx); err != nil {
		return errFactory.Wrap(errors.ErrOpenDevice, err)
	}

	if cfg.Monitor {
		log.Info().Msg("Monitor mode activated, frequencies are computed but not applied")
	}

	return loop(ctx, sched, tel, log)
}

func serveMetrics(addr string, sched *scheduler.Context, log logger.Logger) (*metrics.Server, error) {
	c, err := metrics.NewCollector(sched)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, errors.New().Wrap(errors.ErrInitApp, err)
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return metrics.Start(addr, metrics.NewHandler(reg, sched.Attrs(), log), log)
}

// loop records a telemetry snapshot every scheduler period until ctx ends.
func loop(ctx context.Context, sched *scheduler.Context, tel telemetry.Collector, log logger.Logger) error {
	ticker := time.NewTicker(sched.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := sched.Snapshot()
			if err := tel.Record(ctx, &snap); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Failed to record telemetry")
			}
			ticker.Reset(sched.Period())
		}
	}
}

func shutdown(srv *metrics.Server, tel telemetry.Collector, sched *scheduler.Context, plat *platform, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := sched.Shutdown(ctx); err != nil {
		result = multierror.Append(result, errors.New().Wrap(errors.ErrCloseDevice, err))
	}
	if err := tel.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := plat.close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
