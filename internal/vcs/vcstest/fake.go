// Package vcstest provides an in-memory Repository implementation for tests.
package vcstest

import (
	"context"
	"sort"
	"strings"

	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// FakeRepo is a scriptable in-memory vcs.TreeRepository.
// Zero value is usable; populate the exported fields before handing it out.
type FakeRepo struct {
	Versions []vcs.VersionRecord
	Root     string
	Meta     *vcs.RepoMetadata

	// TreeFiles lists paths returned by ListTreeFiles.
	TreeFiles []string
	// Scoped maps a subdirectory to the repo view ScopedTo returns for it.
	Scoped map[string]*FakeRepo
	// Diffs maps "refA..refB" to the changed paths DiffBetween reports.
	Diffs map[string][]string

	// Err, when set, is returned by every listing call.
	Err error

	// ListVersionsCalls counts ListVersions invocations.
	ListVersionsCalls int
}

var _ vcs.TreeRepository = (*FakeRepo)(nil)

// ListVersions returns the scripted records in sync order (non-dev first).
func (f *FakeRepo) ListVersions(_ context.Context) ([]vcs.VersionRecord, error) {
	f.ListVersionsCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]vcs.VersionRecord, len(f.Versions))
	copy(out, f.Versions)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Development != out[j].Development {
			return !out[i].Development
		}
		return false
	})
	return out, nil
}

// RootIdentifier returns the scripted default branch name.
func (f *FakeRepo) RootIdentifier(_ context.Context) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	if f.Root == "" {
		return "main", nil
	}
	return f.Root, nil
}

// Metadata returns the scripted repository metadata.
func (f *FakeRepo) Metadata(_ context.Context) (*vcs.RepoMetadata, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Meta == nil {
		return &vcs.RepoMetadata{}, nil
	}
	meta := *f.Meta
	return &meta, nil
}

// ListTreeFiles returns the scripted tree listing.
func (f *FakeRepo) ListTreeFiles(_ context.Context) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]string, len(f.TreeFiles))
	copy(out, f.TreeFiles)
	return out, nil
}

// ScopedTo returns the scripted view for the subdirectory, or an empty repo.
func (f *FakeRepo) ScopedTo(subDirectory string) vcs.TreeRepository {
	subDirectory = strings.TrimSuffix(subDirectory, "/")
	if scoped, ok := f.Scoped[subDirectory]; ok {
		return scoped
	}
	return &FakeRepo{}
}

// DiffBetween returns the scripted changed paths for refA..refB.
func (f *FakeRepo) DiffBetween(_ context.Context, refA, refB string) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Diffs[refA+".."+refB], nil
}

// FakeFactory returns the same repo for every Open call.
type FakeFactory struct {
	Repo *FakeRepo
	Err  error
}

var _ vcs.Factory = (*FakeFactory)(nil)

// Open returns the scripted repo.
func (f *FakeFactory) Open(_ context.Context, _ string, _ *int64) (vcs.TreeRepository, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Repo, nil
}
