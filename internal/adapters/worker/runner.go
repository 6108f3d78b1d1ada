// Package worker provides the queue worker loop that claims and executes
// update jobs.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	obserrors "github.com/lodestone-registry/lodestone/internal/observability/errors"
	"github.com/lodestone-registry/lodestone/internal/observability/metrics"
	"github.com/lodestone-registry/lodestone/internal/observability/notify"
	"github.com/lodestone-registry/lodestone/internal/observability/statsd"
	"github.com/lodestone-registry/lodestone/internal/service"
	"github.com/lodestone-registry/lodestone/internal/service/failurenotifier"
)

// HandlerFunc executes one claimed job and returns its result. A nil result
// with a non-nil error is classified by the runner; a reschedule result makes
// the runner requeue instead of finishing.
type HandlerFunc func(ctx context.Context, job *model.Job) (*model.JobResult, error)

const (
	// popTimeout bounds the blocking queue pop so sweeps and cancellation get
	// a look-in about once a second.
	popTimeout = time.Second

	// timeoutSweepInterval is how often stuck started jobs are reaped.
	timeoutSweepInterval = 20 * time.Minute
	// stuckJobMaxAge matches the package lock TTL: a job started longer ago
	// than this cannot still hold its lock.
	stuckJobMaxAge = 30 * time.Minute

	// dueSweepInterval is how often delayed jobs past their execute-after
	// time are pushed onto the dispatch queue.
	dueSweepInterval = time.Minute

	sweepBatchSize = 100
	dueBatchLimit  = 100

	// defaultRescheduleDelay applies when a reschedule result carries no
	// explicit retry time.
	defaultRescheduleDelay = 30 * time.Second
)

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	Queue core.DispatchQueue // Required: live dispatch queue

	// Optional dependency injections (useful for tests/decoupling)
	Jobs            core.JobRepository
	Packages        core.PackageRepository
	StatusCache     core.StatusCache
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
	TimeProvider    data.TimeProvider

	// MaxJobs stops the loop after that many processed jobs; 0 means run
	// until cancelled.
	MaxJobs int
}

// Runner is the single-threaded worker loop. Parallelism comes from running
// multiple worker processes against the shared store and queue, never from
// goroutines inside one runner.
type Runner struct {
	jobs     core.JobRepository
	queue    core.DispatchQueue
	packages core.PackageRepository
	cache    core.StatusCache
	notifier *failurenotifier.Service
	metrics  statsd.Sink
	logger   *slog.Logger
	tp       data.TimeProvider
	maxJobs  int
	handlers map[model.JobType]HandlerFunc
}

// NewRunner creates a new worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("dispatch queue is required")
	}
	if opts.DB == nil && opts.Jobs == nil {
		return nil, errors.New("either DB or Jobs must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger, TimeProvider: opts.TimeProvider})
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	return &Runner{
		jobs:     jobs,
		queue:    opts.Queue,
		packages: opts.Packages,
		cache:    opts.StatusCache,
		notifier: opts.FailureNotifier,
		metrics:  opts.Metrics,
		logger:   logger,
		tp:       tp,
		maxJobs:  opts.MaxJobs,
		handlers: make(map[model.JobType]HandlerFunc),
	}, nil
}

// Register installs the handler for a job type. A job popped with no
// registered handler is a deployment error and stops the runner.
func (r *Runner) Register(jobType model.JobType, h HandlerFunc) {
	r.handlers[jobType] = h
}

// Run processes jobs until the context is cancelled. Both sweeps run once at
// startup and then on their intervals, interleaved with the pop loop.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker",
		"pop_timeout", popTimeout,
		"timeout_sweep", timeoutSweepInterval,
		"due_sweep", dueSweepInterval,
	)

	var nextTimeoutSweep, nextDueSweep time.Time
	processed := 0

	for ctx.Err() == nil {
		now := r.tp.Now()
		if !now.Before(nextTimeoutSweep) {
			r.sweepTimeouts(ctx)
			nextTimeoutSweep = now.Add(timeoutSweepInterval)
		}
		if !now.Before(nextDueSweep) {
			r.pushDueJobs(ctx)
			nextDueSweep = now.Add(dueSweepInterval)
		}

		id, err := r.queue.PopBlocking(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.WarnContext(ctx, "queue pop failed", "error", err)
			time.Sleep(popTimeout)
			continue
		}
		if id == "" {
			continue
		}

		ran, err := r.processJob(ctx, id)
		if err != nil {
			return err
		}
		if ran {
			processed++
			if r.maxJobs > 0 && processed >= r.maxJobs {
				r.logger.InfoContext(ctx, "job limit reached, stopping", "processed", processed)
				return nil
			}
		}
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (r *Runner) sweepTimeouts(ctx context.Context) {
	n, err := r.jobs.TimeoutStuckJobs(ctx, stuckJobMaxAge, sweepBatchSize)
	if err != nil {
		r.logger.WarnContext(ctx, "timeout sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "timed out stuck jobs", "count", n)
	}
}

func (r *Runner) pushDueJobs(ctx context.Context) {
	ids, err := r.jobs.FindDueJobIDs(ctx, dueBatchLimit)
	if err != nil {
		r.logger.WarnContext(ctx, "due sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if pushErr := r.queue.Push(ctx, id); pushErr != nil {
			r.logger.WarnContext(ctx, "push due job failed", "job_id", id, "error", pushErr)
			return
		}
	}
}

// processJob claims and executes one job. The returned error is fatal to the
// runner; almost everything is handled in place. ran reports whether a
// handler actually executed.
func (r *Runner) processJob(ctx context.Context, id string) (ran bool, fatal error) {
	job, claimed, err := r.jobs.ClaimIfNotStarted(ctx, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "claim job failed", "job_id", id, "error", err)
		return false, nil
	}
	if !claimed {
		// Lost the race to another worker, or the job already ran.
		r.logger.DebugContext(ctx, "job not claimable", "job_id", id)
		return false, nil
	}

	h, ok := r.handlers[job.Type]
	if !ok {
		result := &model.JobResult{
			Status:  model.JobStatusErrored,
			Message: fmt.Sprintf("No handler registered for job type %s", job.Type),
		}
		r.finish(ctx, job, result)
		return true, fmt.Errorf("no handler for job type %s", job.Type)
	}

	start := time.Now()
	result := r.execute(ctx, h, job)

	if result.Status == model.JobStatusReschedule {
		after := r.tp.Now().Add(defaultRescheduleDelay)
		if result.After != nil {
			after = *result.After
		}
		if requeueErr := r.jobs.Requeue(ctx, job.ID, after); requeueErr != nil {
			r.logger.ErrorContext(ctx, "requeue job failed", "job_id", job.ID, "error", requeueErr)
		}
		r.emit(job, "rescheduled", metrics.ResultNoop, time.Since(start), nil)
		return true, nil
	}

	r.finish(ctx, job, result)

	emitResult := metrics.ResultSuccess
	if result.Status != model.JobStatusCompleted {
		emitResult = metrics.ResultError
	}
	r.emit(job, string(result.Status), emitResult, time.Since(start), nil)
	return true, nil
}

// execute runs the handler with panic isolation and classifies errors into
// terminal results.
func (r *Runner) execute(ctx context.Context, h HandlerFunc, job *model.Job) (result *model.JobResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "handler panic",
				"job_id", job.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = &model.JobResult{
				Status:  model.JobStatusErrored,
				Message: fmt.Sprintf("Internal error while processing job: %v", rec),
			}
		}
	}()

	res, err := h(ctx, job)
	if err != nil {
		return r.classify(ctx, job, err)
	}
	if res == nil {
		return &model.JobResult{Status: model.JobStatusCompleted}
	}
	return res
}

// classify maps handler errors onto terminal statuses. Transient transport
// and permanent data errors both end as failed (the caller retries); only
// data errors notify maintainers. Everything unexpected is errored.
func (r *Runner) classify(ctx context.Context, job *model.Job, err error) *model.JobResult {
	switch {
	case apperrors.IsTransient(err):
		return &model.JobResult{
			Status:  model.JobStatusFailed,
			Message: "Temporary failure reaching the repository, try again later",
			Details: err.Error(),
		}
	case apperrors.IsGone(err):
		return &model.JobResult{
			Status:  model.JobStatusPackageGone,
			Message: err.Error(),
		}
	case apperrors.IsValidation(err):
		r.notifyFailure(ctx, job, err)
		return &model.JobResult{
			Status:  model.JobStatusFailed,
			Message: "Update failed due to invalid package data",
			Details: err.Error(),
		}
	default:
		r.logger.ErrorContext(ctx, "job errored",
			"job_id", job.ID,
			"type", job.Type,
			"error", err,
		)
		return &model.JobResult{
			Status:  model.JobStatusErrored,
			Message: "Unexpected error while processing job",
			Details: err.Error(),
		}
	}
}

// finish persists the terminal result and mirrors it into the status cache.
func (r *Runner) finish(ctx context.Context, job *model.Job, result *model.JobResult) {
	finished, err := r.jobs.Finish(ctx, job.ID, result)
	if err != nil {
		r.logger.ErrorContext(ctx, "finish job failed", "job_id", job.ID, "error", err)
		return
	}
	if !finished {
		// The timeout sweep got there first.
		r.logger.WarnContext(ctx, "job no longer started, result dropped", "job_id", job.ID)
		return
	}

	if r.cache != nil {
		if encoded, marshalErr := json.Marshal(result); marshalErr == nil {
			if cacheErr := r.cache.Set(ctx, service.JobStatusCacheKey(job.ID), encoded, service.JobStatusCacheTTL); cacheErr != nil {
				r.logger.WarnContext(ctx, "status cache write failed", "job_id", job.ID, "error", cacheErr)
			}
		}
	}
}

func (r *Runner) notifyFailure(ctx context.Context, job *model.Job, cause error) {
	if r.notifier == nil || !r.notifier.Enabled() {
		return
	}

	var pkg *model.Package
	if job.PackageID != nil && r.packages != nil {
		loaded, err := r.packages.GetByID(ctx, *job.PackageID)
		if err != nil {
			r.logger.WarnContext(ctx, "load package for failure notification failed",
				"job_id", job.ID,
				"error", err,
			)
		} else {
			pkg = loaded
		}
	}

	r.notifier.NotifySyncFailure(ctx, pkg, notify.SyncFailurePayload{
		JobID:      job.ID,
		JobType:    string(job.Type),
		Error:      cause.Error(),
		ErrorClass: obserrors.Classify(cause),
		OccurredAt: r.tp.Now(),
	})
}

func (r *Runner) emit(job *model.Job, transition, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		JobType:    string(job.Type),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}
