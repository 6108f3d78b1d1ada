package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// manifestFileName is the per-package manifest a mono-repo tree carries in
// each sub-package directory (and optionally at its root).
const manifestFileName = vcs.ManifestFileName

// DefaultManifestGlobs matches manifests at any depth below the tree root.
var DefaultManifestGlobs = []string{"**/" + manifestFileName}

// scopedSyncer is the slice of SyncService the mono-repo engine drives.
type scopedSyncer interface {
	SyncScoped(ctx context.Context, pkg *model.Package, repo vcs.Repository, payload model.UpdatePayload) (*SyncOutcome, error)
}

// MonoRepoOptions holds the dependencies for creating a MonoRepoService.
type MonoRepoOptions struct {
	Packages core.PackageRepository // Required
	Sync     scopedSyncer           // Required: per-package sync engine
	Repos    vcs.Factory            // Required

	// IncludeGlobs select manifest files from the tree listing. Defaults to
	// DefaultManifestGlobs.
	IncludeGlobs []string
	// ExcludeGlobs drop matches (vendored trees, fixtures).
	ExcludeGlobs []string
	// PruneNoOpTags drops consecutive patch-bump tags that did not touch a
	// sub-package's directory.
	PruneNoOpTags bool

	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// MonoRepoService syncs every sub-package of a repository tree, then the tree
// root itself. Failures are isolated per sub-package.
type MonoRepoService struct {
	packages core.PackageRepository
	sync     scopedSyncer
	repos    vcs.Factory

	include       []glob.Glob
	exclude       []glob.Glob
	pruneNoOpTags bool

	logger       *slog.Logger
	timeProvider data.TimeProvider
}

// NewMonoRepoService constructs a new MonoRepoService.
func NewMonoRepoService(opts MonoRepoOptions) (*MonoRepoService, error) {
	if opts.Packages == nil {
		return nil, errors.New("package repository is required")
	}
	if opts.Sync == nil {
		return nil, errors.New("sync service is required")
	}
	if opts.Repos == nil {
		return nil, errors.New("repository factory is required")
	}

	includes := opts.IncludeGlobs
	if len(includes) == 0 {
		includes = DefaultManifestGlobs
	}
	include, err := compileGlobs(includes)
	if err != nil {
		return nil, fmt.Errorf("compile include globs: %w", err)
	}
	exclude, err := compileGlobs(opts.ExcludeGlobs)
	if err != nil {
		return nil, fmt.Errorf("compile exclude globs: %w", err)
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "monorepo")
	}

	return &MonoRepoService{
		packages:      opts.Packages,
		sync:          opts.Sync,
		repos:         opts.Repos,
		include:       include,
		exclude:       exclude,
		pruneNoOpTags: opts.PruneNoOpTags,
		logger:        logger,
		timeProvider:  tp,
	}, nil
}

// MustNewMonoRepoService constructs a new MonoRepoService and panics on error.
func MustNewMonoRepoService(opts MonoRepoOptions) *MonoRepoService {
	svc, err := NewMonoRepoService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create MonoRepoService: %v", err))
	}
	return svc
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Sync walks the tree of the root package, syncs each discovered sub-package
// in listing order, and finishes with the root's own manifest when present.
// One sub-package failing never aborts its siblings; the most recent failure
// is returned only when not a single sub-package succeeded.
func (m *MonoRepoService) Sync(ctx context.Context, root *model.Package, payload model.UpdatePayload) (*SyncOutcome, error) {
	if root == nil {
		return nil, errors.New("package is required")
	}
	if root.IsSubPackage() {
		return nil, apperrors.Validation("mono-repo sync requires a root package")
	}

	repo, err := m.repos.Open(ctx, root.Repository, root.CredentialsID)
	if err != nil {
		return m.classifyTreeFailure(ctx, root, err)
	}
	files, err := repo.ListTreeFiles(ctx)
	if err != nil {
		return m.classifyTreeFailure(ctx, root, err)
	}

	dirs, rootHasManifest := m.manifestDirs(files)

	claims := make(map[string]string, len(dirs))
	candidates := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		candidates[d] = true
	}

	total := &SyncOutcome{Status: model.JobStatusCompleted}
	attempted := 0
	succeeded := 0
	var lastErr error

	for _, dir := range dirs {
		if ctx.Err() != nil {
			if m.logger != nil {
				m.logger.InfoContext(ctx, "mono-repo run cancelled",
					"package", root.Name,
					"remaining_dir", dir,
				)
			}
			break
		}

		// Reload the root each iteration so sub-package runs never see state
		// a previous iteration mutated.
		fresh, loadErr := m.packages.GetByID(ctx, root.ID)
		if loadErr != nil {
			return nil, fmt.Errorf("reload root package: %w", loadErr)
		}
		root = fresh

		attempted++
		outcome, dirErr := m.syncDir(ctx, root, repo, dir, claims, candidates, payload)
		if dirErr != nil {
			lastErr = dirErr
			if m.logger != nil {
				m.logger.ErrorContext(ctx, "sub-package sync failed",
					"package", root.Name,
					"dir", dir,
					"error", dirErr,
				)
			}
			continue
		}
		if outcome == nil {
			// Skipped (no versions, naming conflict); neither success nor failure.
			attempted--
			continue
		}
		if outcome.Status == model.JobStatusReschedule {
			if m.logger != nil {
				m.logger.InfoContext(ctx, "sub-package locked, skipping this run",
					"package", root.Name,
					"dir", dir,
				)
			}
			continue
		}
		succeeded++
		total.Created += outcome.Created
		total.Updated += outcome.Updated
		total.Deleted += outcome.Deleted
	}

	if rootHasManifest && ctx.Err() == nil {
		attempted++
		outcome, rootErr := m.sync.SyncScoped(ctx, root, repo, payload)
		if rootErr != nil {
			lastErr = rootErr
			if m.logger != nil {
				m.logger.ErrorContext(ctx, "root package sync failed",
					"package", root.Name,
					"error", rootErr,
				)
			}
		} else if outcome.Status != model.JobStatusReschedule {
			succeeded++
			total.Created += outcome.Created
			total.Updated += outcome.Updated
			total.Deleted += outcome.Deleted
		}
	}

	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}

	total.Message = fmt.Sprintf("Synced %d of %d packages in %s", succeeded, attempted, root.Name)
	return total, nil
}

// syncDir processes one candidate sub-package directory. A nil outcome with a
// nil error means the directory was skipped.
func (m *MonoRepoService) syncDir(
	ctx context.Context,
	root *model.Package,
	repo vcs.TreeRepository,
	dir string,
	claims map[string]string,
	candidates map[string]bool,
	payload model.UpdatePayload,
) (*SyncOutcome, error) {
	scoped := repo.ScopedTo(dir)

	records, err := scoped.ListVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions in %s: %w", dir, err)
	}
	if len(records) == 0 {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "manifest without releases, skipping",
				"package", root.Name,
				"dir", dir,
			)
		}
		return nil, nil
	}

	name := strings.ToLower(records[0].Name)
	if !model.ValidPackageName(name) {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "invalid sub-package name, skipping",
				"package", root.Name,
				"dir", dir,
				"name", records[0].Name,
			)
		}
		return nil, nil
	}
	if prev, claimed := claims[name]; claimed && prev != dir {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "name already claimed by another directory, skipping",
				"package", root.Name,
				"name", name,
				"dir", dir,
				"claimed_by", prev,
			)
		}
		return nil, nil
	}
	claims[name] = dir

	sub, err := m.resolveSubPackage(ctx, root, name, dir, candidates)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}

	if m.pruneNoOpTags {
		records = m.pruneUnchangedTags(ctx, repo, dir, records)
	}

	return m.sync.SyncScoped(ctx, sub, &listedRepo{inner: scoped, records: records}, payload)
}

// resolveSubPackage finds or creates the row for a discovered sub-package.
// A nil package with a nil error means the directory was skipped over a
// conflict.
func (m *MonoRepoService) resolveSubPackage(
	ctx context.Context,
	root *model.Package,
	name, dir string,
	candidates map[string]bool,
) (*model.Package, error) {
	sub, err := m.packages.GetByName(ctx, name)
	if err != nil {
		if !errors.Is(err, data.ErrPackageNotFound) {
			return nil, fmt.Errorf("look up sub-package %s: %w", name, err)
		}

		created, createErr := m.packages.Create(ctx, &model.CreatePackageRequest{
			Name:         name,
			Repository:   root.Repository,
			ParentID:     &root.ID,
			SubDirectory: &dir,
		})
		if createErr != nil {
			return nil, fmt.Errorf("create sub-package %s: %w", name, createErr)
		}
		if m.logger != nil {
			m.logger.InfoContext(ctx, "sub-package registered",
				"package", root.Name,
				"name", name,
				"dir", dir,
			)
		}
		return created, nil
	}

	if sub.ID == root.ID || sub.ParentID == nil || *sub.ParentID != root.ID {
		if m.logger != nil {
			m.logger.WarnContext(ctx, "name belongs to another repository, skipping",
				"package", root.Name,
				"name", name,
				"dir", dir,
			)
		}
		return nil, nil
	}

	prevDir := ""
	if sub.SubDirectory != nil {
		prevDir = *sub.SubDirectory
	}
	if prevDir != dir {
		if candidates[prevDir] {
			// The old location still declares a manifest this run. Moving the
			// package would be guessing which copy is canonical.
			if m.logger != nil {
				m.logger.WarnContext(ctx, "sub-package declared in two directories, skipping",
					"package", root.Name,
					"name", name,
					"dir", dir,
					"previous_dir", prevDir,
				)
			}
			return nil, nil
		}
		if err := m.packages.UpdateSubDirectory(ctx, sub.ID, dir); err != nil {
			return nil, fmt.Errorf("relocate sub-package %s: %w", name, err)
		}
		sub.SubDirectory = &dir
		if m.logger != nil {
			m.logger.InfoContext(ctx, "sub-package relocated",
				"package", root.Name,
				"name", name,
				"dir", dir,
				"previous_dir", prevDir,
			)
		}
	}

	return sub, nil
}

func (m *MonoRepoService) classifyTreeFailure(ctx context.Context, root *model.Package, cause error) (*SyncOutcome, error) {
	switch {
	case errors.Is(cause, vcs.ErrRemoteGone):
		if markErr := m.packages.MarkRemoteGone(ctx, root.ID); markErr != nil {
			return nil, fmt.Errorf("mark remote gone: %w", markErr)
		}
		return &SyncOutcome{
			Status:  model.JobStatusPackageGone,
			Message: fmt.Sprintf("Repository for %s no longer exists", root.Name),
		}, nil
	case errors.Is(cause, vcs.ErrTransport):
		return nil, apperrors.Transientf("repository transport failure for %s: %v", root.Name, cause)
	default:
		return nil, fmt.Errorf("open repository for %s: %w", root.Name, cause)
	}
}

// manifestDirs filters the tree listing down to candidate sub-package
// directories, in listing order. The boolean reports whether the tree root
// itself carries a manifest.
func (m *MonoRepoService) manifestDirs(files []string) ([]string, bool) {
	var dirs []string
	seen := make(map[string]bool)
	rootHasManifest := false

	for _, f := range files {
		f = strings.TrimPrefix(f, "./")
		if f == manifestFileName {
			rootHasManifest = true
			continue
		}
		if !matchesAny(m.include, f) || matchesAny(m.exclude, f) {
			continue
		}
		dir := path.Dir(f)
		if dir == "." || dir == "" {
			rootHasManifest = true
			continue
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs, rootHasManifest
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// listedRepo serves an already-listed (possibly pruned) version set while
// delegating everything else to the scoped view. Metadata is suppressed so
// sub-package runs do not refetch repository-level metadata the root run
// already handles.
type listedRepo struct {
	inner   vcs.Repository
	records []vcs.VersionRecord
}

func (r *listedRepo) ListVersions(_ context.Context) ([]vcs.VersionRecord, error) {
	return r.records, nil
}

func (r *listedRepo) RootIdentifier(ctx context.Context) (string, error) {
	return r.inner.RootIdentifier(ctx)
}

func (r *listedRepo) Metadata(_ context.Context) (*vcs.RepoMetadata, error) {
	return nil, nil
}
