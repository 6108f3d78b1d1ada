package service

import (
	"context"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// pruneUnchangedTags drops consecutive non-dev tags that bumped only the
// patch level without touching anything under the sub-package directory.
// Repository-wide release tagging otherwise floods every sub-package with
// identical content under new version numbers.
func (m *MonoRepoService) pruneUnchangedTags(
	ctx context.Context,
	repo vcs.TreeRepository,
	dir string,
	records []vcs.VersionRecord,
) []vcs.VersionRecord {
	out := make([]vcs.VersionRecord, 0, len(records))
	lastIdx := -1

	for _, rec := range records {
		if rec.Development || rec.Alias {
			out = append(out, rec)
			continue
		}
		if lastIdx >= 0 {
			prev := out[lastIdx]
			if dropped, replaced := m.tryPrunePair(ctx, repo, dir, &prev, &rec); dropped {
				if replaced {
					out[lastIdx] = rec
				}
				continue
			}
		}
		out = append(out, rec)
		lastIdx = len(out) - 1
	}
	return out
}

// tryPrunePair decides whether the adjacent tag pair collapses to one.
// dropped reports that one of the two goes away; replaced reports that the
// survivor is cur (prev was the newer, no-op one).
func (m *MonoRepoService) tryPrunePair(
	ctx context.Context,
	repo vcs.TreeRepository,
	dir string,
	prev, cur *vcs.VersionRecord,
) (dropped, replaced bool) {
	if prev.Source.Reference == "" || cur.Source.Reference == "" {
		return false, false
	}
	prevV, err := semver.NewVersion(prev.Version)
	if err != nil {
		return false, false
	}
	curV, err := semver.NewVersion(cur.Version)
	if err != nil {
		return false, false
	}
	if !isNoOpBump(prevV, curV) {
		return false, false
	}

	changed, diffErr := repo.DiffBetween(ctx, prev.Source.Reference, cur.Source.Reference)
	if diffErr != nil {
		if m.logger != nil {
			m.logger.DebugContext(ctx, "diff between tags failed, keeping both",
				"dir", dir,
				"from", prev.Version,
				"to", cur.Version,
				"error", diffErr,
			)
		}
		return false, false
	}
	if touchesDir(changed, dir) {
		return false, false
	}

	if m.logger != nil {
		m.logger.DebugContext(ctx, "pruned no-op tag",
			"dir", dir,
			"kept", olderOf(prevV, curV, prev, cur).Version,
		)
	}
	// The newer of the pair is the noise; keep the older.
	if curV.GreaterThan(prevV) {
		return true, false
	}
	return true, true
}

// isNoOpBump reports whether two versions differ only at the patch level with
// matching stability.
func isNoOpBump(a, b *semver.Version) bool {
	return a.Major() == b.Major() &&
		a.Minor() == b.Minor() &&
		a.Patch() != b.Patch() &&
		(a.Prerelease() == "") == (b.Prerelease() == "")
}

func olderOf(aV, bV *semver.Version, a, b *vcs.VersionRecord) *vcs.VersionRecord {
	if aV.LessThan(bV) {
		return a
	}
	return b
}

// touchesDir reports whether any changed path falls under the sub-package
// directory. An empty directory means the tree root, where every change
// counts.
func touchesDir(paths []string, dir string) bool {
	if dir == "" {
		return len(paths) > 0
	}
	prefix := dir + "/"
	for _, p := range paths {
		if strings.HasPrefix(strings.TrimPrefix(p, "./"), prefix) {
			return true
		}
	}
	return false
}
