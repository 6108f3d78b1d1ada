package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lodestone-registry/lodestone/config"
	"github.com/lodestone-registry/lodestone/internal/data"
	obserrors "github.com/lodestone-registry/lodestone/internal/observability/errors"
	"github.com/lodestone-registry/lodestone/internal/observability/metrics"
	"github.com/lodestone-registry/lodestone/internal/observability/statsd"
)

// JanitorRepository is the job store slice the janitor drives.
type JanitorRepository interface {
	DeleteOldTerminalJobs(ctx context.Context, params data.DeleteOldTerminalJobsParams) (int64, error)
}

// JanitorServiceOptions groups dependencies for JanitorService.
type JanitorServiceOptions struct {
	Repo    JanitorRepository    // Required: job store cleanup surface
	Config  config.JanitorConfig // Required: janitor configuration
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// JanitorService deletes terminal job rows past their retention window so the
// jobs table stays bounded. Stuck-job timeouts are the workers' sweep, not the
// janitor's.
type JanitorService struct {
	repo    JanitorRepository
	config  config.JanitorConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewJanitorService constructs a new JanitorService.
func NewJanitorService(opts JanitorServiceOptions) (*JanitorService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JanitorRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "janitor")
		logger.Debug("JanitorService initialized",
			"interval", opts.Config.Interval,
			"terminal_max_age", opts.Config.TerminalMaxAge,
			"batch_size", opts.Config.BatchSize,
		)
	}

	return &JanitorService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// MustNewJanitorService constructs a new JanitorService and panics on error.
func MustNewJanitorService(opts JanitorServiceOptions) *JanitorService {
	svc, err := NewJanitorService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JanitorService: %v", err))
	}
	return svc
}

// Run starts the cleanup loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *JanitorService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting janitor", "interval", s.config.Interval)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "janitor stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Continue running despite errors
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *JanitorService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runCleanup deletes terminal jobs in batches until a batch comes back empty.
func (s *JanitorService) runCleanup(ctx context.Context) error {
	start := time.Now()

	var total int64
	var runErr error
	for {
		count, err := s.repo.DeleteOldTerminalJobs(ctx, data.DeleteOldTerminalJobsParams{
			MaxAge:    s.config.TerminalMaxAge,
			BatchSize: s.config.BatchSize,
		})
		if err != nil {
			runErr = err
			break
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	if total > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old terminal jobs",
			"count", total,
			"max_age", s.config.TerminalMaxAge,
		)
	}

	s.emitCleanupMetrics(total, time.Since(start), runErr)

	if runErr != nil {
		if isContextCancellation(runErr) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", runErr)
	}
	return nil
}

func (s *JanitorService) emitCleanupMetrics(count int64, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("janitor.cleanup", 1, tags)
	if count > 0 {
		s.metrics.Count("janitor.jobs_deleted", count, metrics.CloneTags(tags))
	}
	if elapsed > 0 {
		s.metrics.Timing("janitor.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if err == nil {
		s.metrics.Gauge("janitor.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func (s *JanitorService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}

	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}

	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
