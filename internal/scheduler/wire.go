package scheduler

import (
	"context"
	"log/slog"
	"time"

	"fileindex/internal/config"
	"fileindex/internal/dirty"
	"fileindex/internal/fileindex"
	"fileindex/internal/logging"
	"fileindex/internal/storage"
)

// Job names registered by Wire.
const (
	JobFlush   = "flush"
	JobDrain   = "drain"
	JobCompact = "compact"
)

// Config selects the jobs Wire registers. A zero interval or empty cron
// expression leaves the job out.
type Config struct {
	FlushInterval time.Duration
	DrainInterval time.Duration
	CompactCron   string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// FromConfig converts operator configuration.
func FromConfig(c config.SchedulerConfig, logger *slog.Logger) (Config, error) {
	flush, err := c.Flush()
	if err != nil {
		return Config{}, err
	}
	drain, err := c.Drain()
	if err != nil {
		return Config{}, err
	}
	if err := c.ValidateCron(); err != nil {
		return Config{}, err
	}
	cfg := Config{FlushInterval: flush, DrainInterval: drain, Logger: logger}
	if c.CompactCron != nil {
		cfg.CompactCron = *c.CompactCron
	}
	return cfg, nil
}

type compactor interface {
	Compact() error
}

// Wire registers the background jobs of svc on s. ctx bounds every run.
func Wire(ctx context.Context, s *Scheduler, svc *fileindex.Service, cfg Config) error {
	logger := logging.Default(cfg.Logger).With("component", "jobs")

	if cfg.FlushInterval > 0 {
		err := s.AddInterval(JobFlush, cfg.FlushInterval, func() {
			if err := svc.Flush(ctx); err != nil && !storage.IsCanceled(err) {
				logger.Error("flush failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}

	if cfg.DrainInterval > 0 {
		err := s.AddInterval(JobDrain, cfg.DrainInterval, func() {
			for _, id := range svc.Registry().IDs() {
				if err := svc.EnsureUpToDate(ctx, id, dirty.Unassigned); err != nil {
					if !storage.IsCanceled(err) {
						logger.Warn("background drain failed", "index", id, "error", err)
					}
					return
				}
			}
		})
		if err != nil {
			return err
		}
	}

	if cfg.CompactCron != "" {
		err := s.AddJob(JobCompact, cfg.CompactCron, func() {
			for _, idx := range svc.Registry().All() {
				c, ok := idx.(compactor)
				if !ok || idx.ReadOnly() {
					continue
				}
				if err := c.Compact(); err != nil {
					logger.Error("compaction failed", "index", idx.ID(), "error", err)
				}
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}
