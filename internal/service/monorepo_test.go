package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	"github.com/lodestone-registry/lodestone/internal/vcs"
	"github.com/lodestone-registry/lodestone/internal/vcs/vcstest"
)

type scopedCall struct {
	pkg     *model.Package
	records []vcs.VersionRecord
}

// fakeScopedSyncer records SyncScoped calls and returns scripted outcomes.
type fakeScopedSyncer struct {
	calls    []scopedCall
	outcomes map[string]*SyncOutcome
	errs     map[string]error
}

func (f *fakeScopedSyncer) SyncScoped(ctx context.Context, pkg *model.Package, repo vcs.Repository, _ model.UpdatePayload) (*SyncOutcome, error) {
	if err := f.errs[pkg.Name]; err != nil {
		return nil, err
	}
	records, err := repo.ListVersions(ctx)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, scopedCall{pkg: pkg, records: records})
	if outcome, ok := f.outcomes[pkg.Name]; ok {
		return outcome, nil
	}
	return &SyncOutcome{Status: model.JobStatusCompleted, Created: 1}, nil
}

func (f *fakeScopedSyncer) calledNames() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.pkg.Name)
	}
	return out
}

type monoRepoFixture struct {
	svc    *MonoRepoService
	pkgs   *fakePackages
	syncer *fakeScopedSyncer
	repo   *vcstest.FakeRepo
}

func newMonoRepoFixture(t *testing.T, repo *vcstest.FakeRepo, tweak func(*MonoRepoOptions)) *monoRepoFixture {
	t.Helper()

	pkgs := newFakePackages()
	syncer := &fakeScopedSyncer{outcomes: map[string]*SyncOutcome{}, errs: map[string]error{}}

	opts := MonoRepoOptions{
		Packages: pkgs,
		Sync:     syncer,
		Repos:    &vcstest.FakeFactory{Repo: repo},
	}
	if tweak != nil {
		tweak(&opts)
	}

	svc, err := NewMonoRepoService(opts)
	require.NoError(t, err)

	return &monoRepoFixture{svc: svc, pkgs: pkgs, syncer: syncer, repo: repo}
}

func monoRepoRoot() *model.Package {
	return &model.Package{
		ID:         1,
		Name:       "acme/platform",
		Repository: "https://github.com/acme/platform.git#monorepo",
	}
}

func subRecord(name, version, normalized, ref string) vcs.VersionRecord {
	rec := syncRecord(version, normalized, ref)
	rec.Name = name
	return rec
}

func TestMonoRepoSync_DiscoversAndRegistersSubPackages(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{
			"libs/a/" + manifestFileName,
			"libs/b/" + manifestFileName,
			manifestFileName,
			"docs/readme.md",
		},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
			"libs/b": {Versions: []vcs.VersionRecord{subRecord("acme/lib-b", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, outcome.Status)
	assert.Equal(t, "Synced 3 of 3 packages in acme/platform", outcome.Message)
	assert.Equal(t, 3, outcome.Created)

	// Sub-packages in listing order, the root last.
	assert.Equal(t, []string{"acme/lib-a", "acme/lib-b", "acme/platform"}, fx.syncer.calledNames())

	subA, err := fx.pkgs.GetByName(context.Background(), "acme/lib-a")
	require.NoError(t, err)
	require.NotNil(t, subA.ParentID)
	assert.Equal(t, root.ID, *subA.ParentID)
	require.NotNil(t, subA.SubDirectory)
	assert.Equal(t, "libs/a", *subA.SubDirectory)
}

func TestMonoRepoSync_ExcludeGlobsDropVendoredTrees(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{
			"libs/a/" + manifestFileName,
			"vendor/x/" + manifestFileName,
			"libs/a/testdata/fixture/" + manifestFileName,
		},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, func(opts *MonoRepoOptions) {
		opts.ExcludeGlobs = []string{"vendor/**", "**/testdata/**"}
	})
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Equal(t, []string{"acme/lib-a"}, fx.syncer.calledNames())
	assert.Equal(t, "Synced 1 of 1 packages in acme/platform", outcome.Message)
}

func TestMonoRepoSync_RejectsSubPackageAsRoot(t *testing.T) {
	fx := newMonoRepoFixture(t, &vcstest.FakeRepo{}, nil)
	parent := int64(1)
	sub := monoRepoRoot()
	sub.ID = 2
	sub.ParentID = &parent

	_, err := fx.svc.Sync(context.Background(), sub, model.UpdatePayload{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestMonoRepoSync_SkipsManifestWithoutReleases(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/empty/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/empty": {},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Empty(t, fx.syncer.calls)
	assert.Equal(t, "Synced 0 of 0 packages in acme/platform", outcome.Message)
}

func TestMonoRepoSync_SkipsInvalidSubPackageName(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("Not A Name", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)
	assert.Empty(t, fx.syncer.calls)
}

func TestMonoRepoSync_NameCollisionFirstDirectoryWins(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{
			"libs/a/" + manifestFileName,
			"libs/copy-of-a/" + manifestFileName,
		},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a":         {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
			"libs/copy-of-a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "bbb")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	require.Len(t, fx.syncer.calls, 1)
	sub, err := fx.pkgs.GetByName(context.Background(), "acme/lib-a")
	require.NoError(t, err)
	assert.Equal(t, "libs/a", *sub.SubDirectory)
}

func TestMonoRepoSync_NameOwnedByAnotherRepositorySkipped(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/widgets", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())
	// acme/widgets already exists as a standalone package elsewhere.
	fx.pkgs.add(&model.Package{ID: 9, Name: "acme/widgets", Repository: "https://github.com/acme/widgets.git"})

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Empty(t, fx.syncer.calls)
	standalone, err := fx.pkgs.GetByName(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.Nil(t, standalone.ParentID)
}

func TestMonoRepoSync_RelocatesMovedSubPackage(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"pkgs/lib-a/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"pkgs/lib-a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	root := fx.pkgs.add(monoRepoRoot())
	oldDir := "libs/a"
	fx.pkgs.add(&model.Package{ID: 5, Name: "acme/lib-a", Repository: root.Repository, ParentID: &root.ID, SubDirectory: &oldDir})

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	require.Len(t, fx.syncer.calls, 1)
	assert.Equal(t, "pkgs/lib-a", fx.pkgs.subDirs[5])
}

func TestMonoRepoSync_ErrorIsolationBetweenSubPackages(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{
			"libs/a/" + manifestFileName,
			"libs/b/" + manifestFileName,
		},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
			"libs/b": {Versions: []vcs.VersionRecord{subRecord("acme/lib-b", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	fx.syncer.errs["acme/lib-a"] = assert.AnError
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Equal(t, []string{"acme/lib-b"}, fx.syncer.calledNames())
	assert.Equal(t, "Synced 1 of 2 packages in acme/platform", outcome.Message)
}

func TestMonoRepoSync_AllFailuresPropagateLastError(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	fx.syncer.errs["acme/lib-a"] = assert.AnError
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.ErrorIs(t, err, assert.AnError)
}

func TestMonoRepoSync_LockedSubPackageSkippedThisRun(t *testing.T) {
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped: map[string]*vcstest.FakeRepo{
			"libs/a": {Versions: []vcs.VersionRecord{subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa")}},
		},
	}
	fx := newMonoRepoFixture(t, repo, nil)
	fx.syncer.outcomes["acme/lib-a"] = &SyncOutcome{Status: model.JobStatusReschedule}
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)
	assert.Equal(t, "Synced 0 of 1 packages in acme/platform", outcome.Message)
}

func TestMonoRepoSync_TreeGoneMarksRoot(t *testing.T) {
	fx := newMonoRepoFixture(t, &vcstest.FakeRepo{Err: vcs.ErrRemoteGone}, nil)
	root := fx.pkgs.add(monoRepoRoot())

	outcome, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusPackageGone, outcome.Status)
	assert.Equal(t, []int64{root.ID}, fx.pkgs.markedGone)
}

func TestMonoRepoSync_TreeTransportFailureIsTransient(t *testing.T) {
	fx := newMonoRepoFixture(t, &vcstest.FakeRepo{Err: vcs.ErrTransport}, nil)
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestMonoRepoSync_PrunesNoOpPatchTags(t *testing.T) {
	scoped := &vcstest.FakeRepo{Versions: []vcs.VersionRecord{
		subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa"),
		subRecord("acme/lib-a", "v1.0.1", "1.0.1.0", "bbb"),
		subRecord("acme/lib-a", "v1.1.0", "1.1.0.0", "ccc"),
	}}
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped:    map[string]*vcstest.FakeRepo{"libs/a": scoped},
		Diffs: map[string][]string{
			// v1.0.0 -> v1.0.1 touched another sub-package only.
			"aaa..bbb": {"libs/b/main.go"},
			// v1.0.1 -> v1.1.0 is a minor bump, never pruned.
			"bbb..ccc": {"libs/b/other.go"},
		},
	}
	fx := newMonoRepoFixture(t, repo, func(opts *MonoRepoOptions) {
		opts.PruneNoOpTags = true
	})
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	require.Len(t, fx.syncer.calls, 1)
	var versions []string
	for _, rec := range fx.syncer.calls[0].records {
		versions = append(versions, rec.Version)
	}
	// The no-op v1.0.1 collapses into v1.0.0; the minor bump survives.
	assert.Equal(t, []string{"v1.0.0", "v1.1.0"}, versions)
}

func TestMonoRepoSync_KeepsPatchTagTouchingDirectory(t *testing.T) {
	scoped := &vcstest.FakeRepo{Versions: []vcs.VersionRecord{
		subRecord("acme/lib-a", "v1.0.0", "1.0.0.0", "aaa"),
		subRecord("acme/lib-a", "v1.0.1", "1.0.1.0", "bbb"),
	}}
	repo := &vcstest.FakeRepo{
		TreeFiles: []string{"libs/a/" + manifestFileName},
		Scoped:    map[string]*vcstest.FakeRepo{"libs/a": scoped},
		Diffs: map[string][]string{
			"aaa..bbb": {"libs/a/widget.go"},
		},
	}
	fx := newMonoRepoFixture(t, repo, func(opts *MonoRepoOptions) {
		opts.PruneNoOpTags = true
	})
	root := fx.pkgs.add(monoRepoRoot())

	_, err := fx.svc.Sync(context.Background(), root, model.UpdatePayload{})
	require.NoError(t, err)

	require.Len(t, fx.syncer.calls, 1)
	assert.Len(t, fx.syncer.calls[0].records, 2)
}
