// Package scheduler runs the top-level balancing loop: one-shot or daemon
// with interval, optional startup delay, reload on hang-up and graceful
// shutdown on interrupt.
package scheduler

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
)

// Runner executes one balancing cycle under the given configuration.
type Runner interface {
	Run(ctx context.Context, cfg *config.Config) error
}

// Loader re-reads the configuration; invoked on SIGHUP between cycles.
type Loader func() (*config.Config, error)

// Scheduler drives the cycle runner according to the service configuration.
type Scheduler struct {
	runner Runner
	load   Loader
	logger *zap.Logger
}

// New creates a Scheduler.
func New(runner Runner, load Loader, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		load:   load,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Run executes cycles until the context is cancelled (daemon mode) or once
// (one-shot). The returned error is the last cycle's failure in one-shot
// mode; daemon mode only returns on shutdown.
func (s *Scheduler) Run(ctx context.Context, cfg *config.Config) error {
	if err := s.delay(ctx, cfg); err != nil {
		return err
	}

	if !cfg.Service.Daemon {
		return s.runner.Run(ctx, cfg)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		if err := s.runner.Run(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed cycle never takes the daemon down; the next tick
			// rediscovers the cluster from scratch.
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				s.logger.Error("Cycle skipped, API rejected credentials", zap.Error(err))
			} else {
				s.logger.Error("Cycle failed", zap.Error(err))
			}
		}

		interval := tickDuration(cfg.Service.Schedule)
		s.logger.Info("Sleeping until next cycle",
			zap.Int("interval", cfg.Service.Schedule.Interval),
			zap.String("format", cfg.Service.Schedule.Format),
		)

		select {
		case <-ctx.Done():
			s.logger.Info("Shutdown requested")
			return nil
		case <-hup:
			cfg = s.reload(cfg)
		case <-time.After(interval):
		}

		// Drain a hang-up that arrived after the wait above returned, so it
		// is applied before the next cycle.
		select {
		case <-hup:
			cfg = s.reload(cfg)
		default:
		}
	}
}

// reload swaps in a freshly parsed configuration; the old one stays active
// when parsing fails.
func (s *Scheduler) reload(current *config.Config) *config.Config {
	s.logger.Info("Reloading configuration")
	fresh, err := s.load()
	if err != nil {
		s.logger.Error("Configuration reload failed, keeping previous configuration", zap.Error(err))
		return current
	}
	return fresh
}

func (s *Scheduler) delay(ctx context.Context, cfg *config.Config) error {
	if !cfg.Service.Delay.Enable {
		return nil
	}
	wait := formatDuration(cfg.Service.Delay.Time, cfg.Service.Delay.Format)
	s.logger.Info("Delaying startup",
		zap.Int("time", cfg.Service.Delay.Time),
		zap.String("format", cfg.Service.Delay.Format),
	)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func tickDuration(schedule config.Schedule) time.Duration {
	return formatDuration(schedule.Interval, schedule.Format)
}

func formatDuration(amount int, format string) time.Duration {
	if format == "minutes" {
		return time.Duration(amount) * time.Minute
	}
	return time.Duration(amount) * time.Hour
}
