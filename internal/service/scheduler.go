// Package service provides business logic services for the lodestone sync system.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
)

// supersededMessage is stored on a queued job that a newer request made
// obsolete. Completing (not deleting) the old job means pollers holding its id
// still get a terminal answer.
const supersededMessage = "Another update request superseded this scheduled update"

// goneSuppressWindow is how long scheduling stays suppressed after the
// upstream repository was last seen conclusively gone.
const goneSuppressWindow = 365 * 24 * time.Hour

// schedulerJobStore combines the job store capabilities the scheduler needs.
type schedulerJobStore interface {
	core.JobRepository
	core.JobScheduleRepository
}

// SchedulerOptions holds the dependencies for creating a SchedulerService.
type SchedulerOptions struct {
	Jobs         schedulerJobStore  // Required: job store with dedup primitives
	Queue        core.DispatchQueue // Required: live dispatch queue
	Logger       *slog.Logger       // Optional: structured logger
	TimeProvider data.TimeProvider  // Optional: injectable clock
}

// SchedulerService is the public enqueue surface. It deduplicates update jobs
// per (type, package), applies the supersession policy for delayed jobs, and
// pushes immediate jobs onto the live dispatch queue.
//
// Safe under concurrent replicas: the dedup read-then-write runs inside a
// transaction holding a per-(type, package) advisory lock, with a partial
// unique index as backstop.
type SchedulerService struct {
	jobs         schedulerJobStore
	queue        core.DispatchQueue
	logger       *slog.Logger
	timeProvider data.TimeProvider
}

// NewSchedulerService constructs a new SchedulerService.
func NewSchedulerService(opts SchedulerOptions) (*SchedulerService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("dispatch queue is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "scheduler")
	}

	return &SchedulerService{
		jobs:         opts.Jobs,
		queue:        opts.Queue,
		logger:       logger,
		timeProvider: tp,
	}, nil
}

// MustNewSchedulerService constructs a new SchedulerService and panics on error.
func MustNewSchedulerService(opts SchedulerOptions) *SchedulerService {
	svc, err := NewSchedulerService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create SchedulerService: %v", err))
	}
	return svc
}

// ScheduleOptions control a scheduled update run.
type ScheduleOptions struct {
	// UpdateEqualRefs forces full version rewrites even when source refs match.
	UpdateEqualRefs bool
	// DeleteBefore wipes existing versions before syncing.
	DeleteBefore bool
	// ExecuteAfter delays execution; nil means immediate.
	ExecuteAfter *time.Time
	// Force bypasses the remote-gone scheduling suppression.
	Force bool
}

// ScheduleUpdate enqueues an update job for a package. Mono-repo roots get a
// mono-repo run; everything else gets a single-package run.
//
// Contract: at most one queued job exists per (type, package). An equivalent
// queued job is returned unchanged. A queued job is superseded (completed with
// an explanatory message) when an immediate run is requested over a delayed
// one, or when the new request carries different update flags.
func (s *SchedulerService) ScheduleUpdate(
	ctx context.Context,
	pkg *model.Package,
	opts ScheduleOptions,
) (*model.Job, error) {
	if pkg == nil {
		return nil, errors.New("package is required")
	}

	jobType := model.JobTypePackageUpdate
	if isMonoRepoRoot(pkg) {
		jobType = model.JobTypeMonoRepoUpdate
	}

	return s.schedule(ctx, jobType, pkg, opts)
}

func (s *SchedulerService) schedule(
	ctx context.Context,
	jobType model.JobType,
	pkg *model.Package,
	opts ScheduleOptions,
) (*model.Job, error) {
	now := s.timeProvider.Now()

	if !opts.Force && pkg.RemoteGoneAt != nil && now.Sub(*pkg.RemoteGoneAt) < goneSuppressWindow {
		return nil, apperrors.Gonef("package %s was seen gone upstream at %s, scheduling suppressed",
			pkg.Name, pkg.RemoteGoneAt.UTC().Format(time.RFC3339))
	}

	payload, err := json.Marshal(model.UpdatePayload{
		PackageID:       pkg.ID,
		UpdateEqualRefs: opts.UpdateEqualRefs,
		DeleteBefore:    opts.DeleteBefore,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal update payload: %w", err)
	}

	req := &model.CreateJobRequest{
		Type:         jobType,
		Payload:      payload,
		PackageID:    &pkg.ID,
		ExecuteAfter: opts.ExecuteAfter,
	}

	immediate := opts.ExecuteAfter == nil || !opts.ExecuteAfter.After(now)

	var job *model.Job
	lockErr := s.jobs.WithScheduleLock(ctx, jobType, pkg.ID, func(tx *sql.Tx) error {
		existing, findErr := s.jobs.FindQueuedInTx(ctx, tx, jobType, pkg.ID)
		if findErr != nil {
			return findErr
		}

		if existing != nil {
			existingDelayed := existing.ExecuteAfter != nil && existing.ExecuteAfter.After(now)
			switch {
			case (existingDelayed && immediate) || !samePayloadFlags(existing.Payload, opts):
				// An immediate request beats a delayed job, and a request with
				// different flags beats a pending job outright: the queued row
				// would otherwise swallow the forced semantics.
				if supersedeErr := s.jobs.CompleteWithMessageInTx(ctx, tx, existing.ID, supersededMessage); supersedeErr != nil {
					return fmt.Errorf("supersede queued job: %w", supersedeErr)
				}
				if s.logger != nil {
					s.logger.InfoContext(ctx, "superseded queued job",
						"job_id", existing.ID,
						"package", pkg.Name,
					)
				}
			default:
				// Dedup: an equivalent queued job is handed back unchanged.
				job = existing
				return nil
			}
		}

		created, createErr := s.jobs.CreateInTx(ctx, tx, req)
		if createErr != nil {
			// A unique violation here means another scheduler won the race
			// around our advisory-locked read; treat it as dedup.
			if apperrors.IsUniqueViolation(createErr) {
				raced, refindErr := s.jobs.FindQueuedInTx(ctx, tx, jobType, pkg.ID)
				if refindErr == nil && raced != nil {
					job = raced
					return nil
				}
			}
			return fmt.Errorf("create job: %w", createErr)
		}
		job = created
		return nil
	})
	if lockErr != nil {
		return nil, lockErr
	}

	if immediate && job.Status == model.JobStatusQueued && job.StartedAt == nil {
		if pushErr := s.queue.Push(ctx, job.ID); pushErr != nil {
			// The due sweep picks up unpushed queued jobs; log and move on.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "dispatch push failed, job left for due sweep",
					"job_id", job.ID,
					"error", pushErr,
				)
			}
		}
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "update scheduled",
			"job_id", job.ID,
			"type", job.Type,
			"package", pkg.Name,
			"immediate", immediate,
		)
	}

	return job, nil
}

// samePayloadFlags reports whether a queued job's stored payload carries the
// same update flags as the new request. A stored payload that does not parse
// never matches, so the fresh request replaces it.
func samePayloadFlags(stored json.RawMessage, opts ScheduleOptions) bool {
	var p model.UpdatePayload
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &p); err != nil {
			return false
		}
	}
	return p.UpdateEqualRefs == opts.UpdateEqualRefs && p.DeleteBefore == opts.DeleteBefore
}

// isMonoRepoRoot reports whether a package drives a multi-package tree.
// Sub-packages never do; roots are flagged by the registration flow with a
// fragment on the repository URL.
func isMonoRepoRoot(pkg *model.Package) bool {
	if pkg.ParentID != nil {
		return false
	}
	return strings.HasSuffix(pkg.Repository, "#monorepo")
}
