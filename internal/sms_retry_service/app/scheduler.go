package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// BatchProcessor is the part of RetryService the scheduler drives.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, limit int) (BatchResult, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// SchedulerConfig holds the RetryScheduler settings.
type SchedulerConfig struct {
	Interval         time.Duration
	BatchSize        int
	CleanupSchedule  string
	CleanupRetention time.Duration
	// CleanupTimeout bounds one cleanup run. Defaults to 5m.
	CleanupTimeout time.Duration
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RetryScheduler runs ProcessBatch on a fixed interval and Cleanup on a cron schedule.
type RetryScheduler struct {
	processor BatchProcessor
	config    SchedulerConfig
	cleanup   cron.Schedule
	logger    *slog.Logger
}

// NewRetryScheduler validates the cleanup schedule and creates a scheduler.
func NewRetryScheduler(processor BatchProcessor, cfg SchedulerConfig, logger *slog.Logger) (*RetryScheduler, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive, got %s", cfg.Interval)
	}
	if cfg.CleanupRetention <= 0 {
		return nil, fmt.Errorf("cleanup retention must be positive, got %s", cfg.CleanupRetention)
	}
	schedule, err := cronParser.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 5 * time.Minute
	}
	return &RetryScheduler{
		processor: processor,
		config:    cfg,
		cleanup:   schedule,
		logger:    logger.With("component", "retry_scheduler"),
	}, nil
}

// Run blocks until ctx is cancelled. The first batch runs immediately. On exit
// the cron scheduler is stopped and a running cleanup is awaited.
func (s *RetryScheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	c.Schedule(s.cleanup, cron.FuncJob(func() { s.RunCleanup(ctx) }))
	c.Start()
	defer func() {
		<-c.Stop().Done()
		s.logger.Info("Retry scheduler stopped")
	}()

	s.logger.InfoContext(ctx, "Retry scheduler started",
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
		"cleanup_schedule", s.config.CleanupSchedule,
		"cleanup_retention", s.config.CleanupRetention,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one ProcessBatch bounded by the scheduler interval. Entries not yet
// attempted when the interval runs out are released; started sends finish.
func (s *RetryScheduler) Tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.config.Interval)
	defer cancel()

	res, err := s.processor.ProcessBatch(tickCtx, s.config.BatchSize)
	if err != nil {
		schedulerRunsCounter.WithLabelValues("process_batch", "error").Inc()
		s.logger.ErrorContext(ctx, "Retry batch failed", "error", err)
		return
	}
	schedulerRunsCounter.WithLabelValues("process_batch", "success").Inc()
	if res.Processed > 0 || res.Reclaimed > 0 {
		s.logger.DebugContext(ctx, "Retry batch tick", "processed", res.Processed, "reclaimed", res.Reclaimed)
	}
}

// RunCleanup deletes terminal entries older than the configured retention.
func (s *RetryScheduler) RunCleanup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, s.config.CleanupTimeout)
	defer cancel()

	deleted, err := s.processor.Cleanup(cleanupCtx, s.config.CleanupRetention)
	if err != nil {
		schedulerRunsCounter.WithLabelValues("cleanup", "error").Inc()
		s.logger.ErrorContext(ctx, "Retry queue cleanup failed", "error", err)
		return
	}
	schedulerRunsCounter.WithLabelValues("cleanup", "success").Inc()
	s.logger.InfoContext(ctx, "Retry queue cleanup finished", "deleted", deleted)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
