package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	"github.com/lodestone-registry/lodestone/internal/service"
)

// packageSyncer is the sync engine surface the package update handler drives.
type packageSyncer interface {
	Sync(ctx context.Context, pkg *model.Package, payload model.UpdatePayload) (*service.SyncOutcome, error)
}

// monoRepoSyncer is the mono-repo engine surface the mono-repo handler drives.
type monoRepoSyncer interface {
	Sync(ctx context.Context, root *model.Package, payload model.UpdatePayload) (*service.SyncOutcome, error)
}

// NewPackageUpdateHandler returns the handler for package_update jobs.
func NewPackageUpdateHandler(packages core.PackageRepository, sync packageSyncer) HandlerFunc {
	return func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		payload, pkg, result, err := resolveUpdateJob(ctx, packages, job)
		if result != nil || err != nil {
			return result, err
		}
		outcome, err := sync.Sync(ctx, pkg, *payload)
		if err != nil {
			return nil, err
		}
		return outcomeToResult(outcome), nil
	}
}

// NewMonoRepoUpdateHandler returns the handler for monorepo_update jobs.
func NewMonoRepoUpdateHandler(packages core.PackageRepository, mono monoRepoSyncer) HandlerFunc {
	return func(ctx context.Context, job *model.Job) (*model.JobResult, error) {
		payload, pkg, result, err := resolveUpdateJob(ctx, packages, job)
		if result != nil || err != nil {
			return result, err
		}
		outcome, err := mono.Sync(ctx, pkg, *payload)
		if err != nil {
			return nil, err
		}
		return outcomeToResult(outcome), nil
	}
}

// resolveUpdateJob decodes the payload and loads the target package. A
// missing package is terminal: deleted when the run was going to delete
// anyway, failed otherwise.
func resolveUpdateJob(
	ctx context.Context,
	packages core.PackageRepository,
	job *model.Job,
) (*model.UpdatePayload, *model.Package, *model.JobResult, error) {
	var payload model.UpdatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, nil, nil, apperrors.Validationf("malformed job payload: %v", err)
	}
	if payload.PackageID == 0 {
		return nil, nil, nil, apperrors.Validation("job payload carries no package id")
	}

	pkg, err := packages.GetByID(ctx, payload.PackageID)
	if err != nil {
		if errors.Is(err, data.ErrPackageNotFound) {
			if payload.DeleteBefore {
				return nil, nil, &model.JobResult{
					Status:  model.JobStatusPackageDeleted,
					Message: fmt.Sprintf("Package %d was already removed", payload.PackageID),
				}, nil
			}
			return nil, nil, &model.JobResult{
				Status:  model.JobStatusFailed,
				Message: fmt.Sprintf("Package %d no longer exists", payload.PackageID),
			}, nil
		}
		return nil, nil, nil, fmt.Errorf("load package %d: %w", payload.PackageID, err)
	}

	return &payload, pkg, nil, nil
}

func outcomeToResult(outcome *service.SyncOutcome) *model.JobResult {
	result := &model.JobResult{
		Status:  outcome.Status,
		Message: outcome.Message,
		After:   outcome.After,
	}
	if outcome.Status == model.JobStatusCompleted {
		if result.Message == "" {
			result.Message = "Update completed"
		}
		result.Details = fmt.Sprintf("created=%d updated=%d deleted=%d",
			outcome.Created, outcome.Updated, outcome.Deleted)
	}
	return result
}
