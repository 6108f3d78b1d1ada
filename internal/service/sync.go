package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/event"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

const (
	// syncLockTTL bounds how long a crashed worker can hold a package hostage.
	syncLockTTL = 30 * time.Minute
	// lockContentionDelay is how far out a contended sync run is pushed.
	lockContentionDelay = 30 * time.Second
	// softDeleteGrace is the window a version stays soft-deleted before the
	// rows are removed for good. Upstream hiccups that drop tags for one crawl
	// recover within it without losing data.
	softDeleteGrace = 24 * time.Hour
)

// SyncOutcome is the result of one sync run, mapped by the worker onto the
// owning job.
type SyncOutcome struct {
	Status  model.JobStatus
	Message string
	// After is set when Status asks for a rerun.
	After *time.Time

	Created int
	Updated int
	Deleted int
}

// SyncOptions holds the dependencies for creating a SyncService.
type SyncOptions struct {
	Packages     core.PackageRepository // Required
	Versions     core.VersionRepository // Required
	Repos        vcs.Factory            // Required: repository driver factory
	Locks        core.LockProvider      // Required: per-package exclusion
	Events       event.Sink             // Optional: change event fan-out
	Logger       *slog.Logger           // Optional
	TimeProvider data.TimeProvider      // Optional
}

// SyncService reconciles a package's stored versions against what its upstream
// repository currently publishes.
type SyncService struct {
	packages     core.PackageRepository
	versions     core.VersionRepository
	repos        vcs.Factory
	locks        core.LockProvider
	events       event.Sink
	logger       *slog.Logger
	timeProvider data.TimeProvider
}

// NewSyncService constructs a new SyncService.
func NewSyncService(opts SyncOptions) (*SyncService, error) {
	if opts.Packages == nil {
		return nil, errors.New("package repository is required")
	}
	if opts.Versions == nil {
		return nil, errors.New("version repository is required")
	}
	if opts.Repos == nil {
		return nil, errors.New("repository factory is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("lock provider is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "sync")
	}

	return &SyncService{
		packages:     opts.Packages,
		versions:     opts.Versions,
		repos:        opts.Repos,
		locks:        opts.Locks,
		events:       opts.Events,
		logger:       logger,
		timeProvider: tp,
	}, nil
}

// MustNewSyncService constructs a new SyncService and panics on error.
func MustNewSyncService(opts SyncOptions) *SyncService {
	svc, err := NewSyncService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create SyncService: %v", err))
	}
	return svc
}

// Sync runs one full reconciliation for the package. It returns a reschedule
// outcome (not an error) when another run currently holds the package lock.
// Errors from the upstream driver classify the outcome: a conclusively missing
// repository yields a gone (or deleted, under DeleteBefore) outcome, transient
// transport failures propagate as transient errors.
func (s *SyncService) Sync(ctx context.Context, pkg *model.Package, payload model.UpdatePayload) (*SyncOutcome, error) {
	if pkg == nil {
		return nil, errors.New("package is required")
	}

	return s.withPackageLock(ctx, pkg, func() (*SyncOutcome, error) {
		return s.openAndSync(ctx, pkg, payload)
	})
}

// SyncScoped runs one reconciliation against an already-opened repository
// view. The mono-repo engine uses it to hand over pre-filtered version sets.
// Locking behaves exactly as in Sync.
func (s *SyncService) SyncScoped(ctx context.Context, pkg *model.Package, repo vcs.Repository, payload model.UpdatePayload) (*SyncOutcome, error) {
	if pkg == nil {
		return nil, errors.New("package is required")
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}

	return s.withPackageLock(ctx, pkg, func() (*SyncOutcome, error) {
		return s.syncLocked(ctx, pkg, repo, payload)
	})
}

// withPackageLock runs fn under the package's TTL lock. Contention is not an
// error: the caller gets a reschedule outcome with a short backoff.
func (s *SyncService) withPackageLock(ctx context.Context, pkg *model.Package, fn func() (*SyncOutcome, error)) (*SyncOutcome, error) {
	lock, err := s.locks.Acquire(ctx, pkg.Name, syncLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire package lock: %w", err)
	}
	if lock == nil {
		after := s.timeProvider.Now().Add(lockContentionDelay)
		return &SyncOutcome{
			Status:  model.JobStatusReschedule,
			Message: fmt.Sprintf("Package %s is locked by another update run", pkg.Name),
			After:   &after,
		}, nil
	}
	defer func() {
		if relErr := s.locks.Release(ctx, lock); relErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "release package lock failed",
				"package", pkg.Name,
				"error", relErr,
			)
		}
	}()

	return fn()
}

func (s *SyncService) openAndSync(ctx context.Context, pkg *model.Package, payload model.UpdatePayload) (*SyncOutcome, error) {
	repo, err := s.repos.Open(ctx, pkg.Repository, pkg.CredentialsID)
	if err != nil {
		return s.classifyRemoteFailure(ctx, pkg, payload, err)
	}
	var view vcs.Repository = repo
	if pkg.SubDirectory != nil && *pkg.SubDirectory != "" {
		view = repo.ScopedTo(*pkg.SubDirectory)
	}
	return s.syncLocked(ctx, pkg, view, payload)
}

func (s *SyncService) syncLocked(ctx context.Context, pkg *model.Package, repo vcs.Repository, payload model.UpdatePayload) (*SyncOutcome, error) {
	records, err := repo.ListVersions(ctx)
	if err != nil {
		return s.classifyRemoteFailure(ctx, pkg, payload, err)
	}

	if pkg.RemoteGoneAt != nil {
		if clearErr := s.packages.ClearRemoteGone(ctx, pkg.ID); clearErr != nil {
			return nil, fmt.Errorf("clear remote gone marker: %w", clearErr)
		}
	}

	if payload.DeleteBefore {
		deleted, delErr := s.versions.DeleteAllForPackage(ctx, pkg.ID)
		if delErr != nil {
			return nil, fmt.Errorf("delete existing versions: %w", delErr)
		}
		if s.logger != nil && deleted > 0 {
			s.logger.InfoContext(ctx, "wiped existing versions before sync",
				"package", pkg.Name,
				"deleted", deleted,
			)
		}
	}

	outcome, changed, err := s.reconcileVersions(ctx, pkg, records, payload.UpdateEqualRefs)
	if err != nil {
		return nil, err
	}

	// Repository-level metadata is best effort; a failed side call never
	// fails the run.
	if meta, metaErr := repo.Metadata(ctx); metaErr != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "fetch repository metadata failed",
				"package", pkg.Name,
				"error", metaErr,
			)
		}
	} else if meta != nil {
		if updErr := s.packages.UpdateMetadata(ctx, pkg.ID, meta); updErr != nil {
			if s.logger != nil {
				s.logger.WarnContext(ctx, "store repository metadata failed",
					"package", pkg.Name,
					"error", updErr,
				)
			}
		}
	}

	// A package that has never been crawled announces itself on its first
	// successful run, no matter which flow registered the row.
	if s.events != nil && pkg.CrawledAt == nil {
		if evErr := s.events.PackageCreated(ctx, &event.PackageCreated{
			PackageID: pkg.ID,
			Name:      pkg.Name,
		}); evErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "publish package-created event failed",
				"package", pkg.Name,
				"error", evErr,
			)
		}
	}

	if s.events != nil && (!changed.Empty() || payload.ForceDump) {
		if evErr := s.events.VersionsChanged(ctx, changed); evErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "publish versions-changed event failed",
				"package", pkg.Name,
				"error", evErr,
			)
		}
	}

	if stampErr := s.packages.StampSynced(ctx, pkg.ID, s.timeProvider.Now()); stampErr != nil {
		return nil, fmt.Errorf("stamp package synced: %w", stampErr)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "package synced",
			"package", pkg.Name,
			"created", outcome.Created,
			"updated", outcome.Updated,
			"deleted", outcome.Deleted,
		)
	}

	return outcome, nil
}

// classifyRemoteFailure turns driver errors into outcomes or passes them
// through. A conclusively gone upstream marks the package and, when the run
// was asked to delete first, removes all stored versions.
func (s *SyncService) classifyRemoteFailure(ctx context.Context, pkg *model.Package, payload model.UpdatePayload, cause error) (*SyncOutcome, error) {
	switch {
	case errors.Is(cause, vcs.ErrRemoteGone):
		if markErr := s.packages.MarkRemoteGone(ctx, pkg.ID); markErr != nil {
			return nil, fmt.Errorf("mark remote gone: %w", markErr)
		}
		if payload.DeleteBefore {
			deleted, delErr := s.versions.DeleteAllForPackage(ctx, pkg.ID)
			if delErr != nil {
				return nil, fmt.Errorf("delete versions of gone package: %w", delErr)
			}
			return &SyncOutcome{
				Status:  model.JobStatusPackageDeleted,
				Message: fmt.Sprintf("Repository for %s no longer exists, stored versions removed", pkg.Name),
				Deleted: int(deleted),
			}, nil
		}
		return &SyncOutcome{
			Status:  model.JobStatusPackageGone,
			Message: fmt.Sprintf("Repository for %s no longer exists", pkg.Name),
		}, nil
	case errors.Is(cause, vcs.ErrTransport):
		return nil, apperrors.Transientf("repository transport failure for %s: %v", pkg.Name, cause)
	default:
		return nil, fmt.Errorf("open repository for %s: %w", pkg.Name, cause)
	}
}

// reconcileVersions diffs upstream records against stored versions, keyed by
// the lowercased normalized version. It returns the outcome counters and the
// change event payload.
func (s *SyncService) reconcileVersions(
	ctx context.Context,
	pkg *model.Package,
	records []vcs.VersionRecord,
	updateEqualRefs bool,
) (*SyncOutcome, *event.VersionsChanged, error) {
	now := s.timeProvider.Now()

	stored, err := s.versions.ListByPackage(ctx, pkg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list stored versions: %w", err)
	}
	existing := make(map[string]*model.Version, len(stored))
	for _, v := range stored {
		existing[v.NormalizedKey()] = v
	}

	outcome := &SyncOutcome{Status: model.JobStatusCompleted}
	changed := &event.VersionsChanged{PackageID: pkg.ID}
	seen := make(map[string]bool, len(records))
	var touchIDs []int64

	lastKey := ""
	for i := range records {
		rec := &records[i]
		if rec.Alias {
			continue
		}
		key := normalizedKey(rec)
		if key == "" || key == lastKey {
			// Duplicate normalized versions come out of drivers adjacent;
			// the first record wins.
			continue
		}
		lastKey = key
		if seen[key] {
			continue
		}
		seen[key] = true

		current, ok := existing[key]
		if !ok {
			created, createErr := s.createVersion(ctx, pkg, rec, now)
			if createErr != nil {
				return nil, nil, createErr
			}
			outcome.Created++
			changed.NewIDs = append(changed.NewIDs, created.ID)
			continue
		}

		switch {
		case updateEqualRefs || current.SourceRef != rec.Source.Reference || current.SoftDeletedAt != nil:
			if updErr := s.updateVersion(ctx, pkg, current, rec, now); updErr != nil {
				return nil, nil, updErr
			}
			outcome.Updated++
			changed.UpdatedIDs = append(changed.UpdatedIDs, current.ID)
		case distChanged(current, rec.Dist):
			d := rec.Dist
			if updErr := s.versions.UpdateDist(ctx, current.ID, d.Type, d.URL, d.Reference, d.Checksum); updErr != nil {
				return nil, nil, fmt.Errorf("update dist pointer for %s %s: %w", pkg.Name, current.Version, updErr)
			}
			outcome.Updated++
			changed.UpdatedIDs = append(changed.UpdatedIDs, current.ID)
		default:
			touchIDs = append(touchIDs, current.ID)
		}
	}

	if len(touchIDs) > 0 {
		if touchErr := s.versions.BatchTouch(ctx, touchIDs, now); touchErr != nil {
			return nil, nil, fmt.Errorf("touch unchanged versions: %w", touchErr)
		}
	}

	for key, v := range existing {
		if seen[key] {
			continue
		}
		switch {
		case v.SoftDeletedAt == nil:
			if delErr := s.versions.SoftDelete(ctx, v.ID); delErr != nil {
				return nil, nil, fmt.Errorf("soft delete version %s %s: %w", pkg.Name, v.Version, delErr)
			}
			outcome.Deleted++
			changed.DeletedIDs = append(changed.DeletedIDs, v.ID)
		case now.Sub(*v.SoftDeletedAt) >= softDeleteGrace:
			if delErr := s.versions.HardDelete(ctx, v.ID); delErr != nil {
				return nil, nil, fmt.Errorf("hard delete version %s %s: %w", pkg.Name, v.Version, delErr)
			}
			outcome.Deleted++
			changed.DeletedIDs = append(changed.DeletedIDs, v.ID)
		}
	}

	return outcome, changed, nil
}

func distChanged(current *model.Version, dist *vcs.DistInfo) bool {
	if dist == nil {
		return current.DistType != "" || current.DistURL != "" || current.DistRef != "" || current.DistChecksum != ""
	}
	return current.DistType != dist.Type ||
		current.DistURL != dist.URL ||
		current.DistRef != dist.Reference ||
		current.DistChecksum != dist.Checksum
}
