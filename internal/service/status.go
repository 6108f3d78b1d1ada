package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

const (
	jobStatusCachePrefix = "status:job:"

	// JobStatusCacheTTL bounds how long a terminal result is served from the
	// cache before pollers fall back to the durable row.
	JobStatusCacheTTL = time.Hour
)

// JobStatusCacheKey returns the cache key workers write terminal results to.
func JobStatusCacheKey(jobID string) string {
	return jobStatusCachePrefix + jobID
}

// StatusOptions holds the dependencies for creating a StatusService.
type StatusOptions struct {
	Jobs   core.JobRepository // Required
	Cache  core.StatusCache   // Optional: short-TTL result cache
	Logger *slog.Logger       // Optional
}

// StatusService answers job status polls, preferring the cache over the
// durable row.
type StatusService struct {
	jobs   core.JobRepository
	cache  core.StatusCache
	logger *slog.Logger
}

// NewStatusService constructs a new StatusService.
func NewStatusService(opts StatusOptions) (*StatusService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("job store is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "status")
	}

	return &StatusService{
		jobs:   opts.Jobs,
		cache:  opts.Cache,
		logger: logger,
	}, nil
}

// MustNewStatusService constructs a new StatusService and panics on error.
func MustNewStatusService(opts StatusOptions) *StatusService {
	svc, err := NewStatusService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create StatusService: %v", err))
	}
	return svc
}

// GetStatus resolves the current status of a job. Non-terminal jobs get a
// generic running placeholder; terminal jobs get the stored message, and
// diagnostic details only when the caller is a maintainer of the package.
func (s *StatusService) GetStatus(ctx context.Context, jobID string, forMaintainer bool) (*model.JobStatusResponse, error) {
	if cached := s.fromCache(ctx, jobID); cached != nil {
		return statusResponse(cached.Status, cached, forMaintainer), nil
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.Terminal() {
		return &model.JobStatusResponse{
			Status:  job.Status,
			Message: "Job is still running, check back later",
		}, nil
	}

	var result model.JobResult
	if len(job.Result) > 0 {
		if unmarshalErr := json.Unmarshal(job.Result, &result); unmarshalErr != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "stored job result is unreadable",
					"job_id", jobID,
					"error", unmarshalErr,
				)
			}
			return &model.JobStatusResponse{Status: job.Status}, nil
		}
	}
	if result.Status == "" {
		result.Status = job.Status
	}
	return statusResponse(job.Status, &result, forMaintainer), nil
}

func (s *StatusService) fromCache(ctx context.Context, jobID string) *model.JobResult {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, JobStatusCacheKey(jobID))
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "status cache read failed",
				"job_id", jobID,
				"error", err,
			)
		}
		return nil
	}
	if raw == nil {
		return nil
	}
	var result model.JobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	if result.Status == "" {
		return nil
	}
	return &result
}

func statusResponse(status model.JobStatus, result *model.JobResult, forMaintainer bool) *model.JobStatusResponse {
	resp := &model.JobStatusResponse{
		Status:  status,
		Message: result.Message,
	}
	if forMaintainer {
		resp.Details = result.Details
	}
	return resp
}
