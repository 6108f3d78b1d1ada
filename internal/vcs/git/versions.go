package git

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// manifest is the on-disk package manifest shape.
type manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Homepage    string            `json:"homepage"`
	License     licenseList       `json:"license"`
	Keywords    []string          `json:"keywords"`
	Authors     []vcs.AuthorRecord `json:"authors"`
	Require     map[string]string `json:"require"`
	RequireDev  map[string]string `json:"require-dev"`
	Conflict    map[string]string `json:"conflict"`
	Provide     map[string]string `json:"provide"`
	Replace     map[string]string `json:"replace"`
	Suggest     map[string]string `json:"suggest"`
	Autoload    json.RawMessage   `json:"autoload"`
	Extra       json.RawMessage   `json:"extra"`
	Bin         json.RawMessage   `json:"bin"`
	Support     json.RawMessage   `json:"support"`
}

// licenseList accepts both a single license string and an array of them.
type licenseList []string

func (l *licenseList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*l = licenseList{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("license must be a string or an array of strings")
	}
	*l = licenseList(many)
	return nil
}

// ListVersions discovers tag and branch revisions carrying a manifest for the
// current scope, ordered non-dev ascending first, then dev branches by name.
func (r *Repo) ListVersions(ctx context.Context) ([]vcs.VersionRecord, error) {
	tagged, err := r.listTagVersions(ctx)
	if err != nil {
		return nil, err
	}

	defaultBranch := ""
	if head, headErr := r.repo.Head(); headErr == nil {
		defaultBranch = head.Name().Short()
	}

	branches, err := r.listBranchVersions(ctx, defaultBranch)
	if err != nil {
		return nil, err
	}

	return append(tagged, branches...), nil
}

type taggedVersion struct {
	record vcs.VersionRecord
	parsed *semver.Version
}

func (r *Repo) listTagVersions(ctx context.Context) ([]vcs.VersionRecord, error) {
	iter, err := r.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	var versions []taggedVersion
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pretty, normalized, parsed, ok := normalizeTag(ref.Name().Short())
		if !ok {
			return nil
		}

		commit, commitErr := r.tagCommit(ref)
		if commitErr != nil {
			r.debugSkip(ctx, "tag", ref.Name().Short(), commitErr)
			return nil
		}

		record, recErr := r.recordAt(commit, pretty, normalized, false)
		if recErr != nil || record == nil {
			r.debugSkip(ctx, "tag", ref.Name().Short(), recErr)
			return nil
		}

		versions = append(versions, taggedVersion{record: *record, parsed: parsed})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tags: %w", err)
	}

	sort.SliceStable(versions, func(i, j int) bool {
		if c := versions[i].parsed.Compare(versions[j].parsed); c != 0 {
			return c < 0
		}
		ri, rj := versions[i].record.ReleasedAt, versions[j].record.ReleasedAt
		if ri != nil && rj != nil {
			return ri.Before(*rj)
		}
		return false
	})

	records := make([]vcs.VersionRecord, 0, len(versions))
	for _, v := range versions {
		records = append(records, v.record)
	}
	return records, nil
}

func (r *Repo) listBranchVersions(ctx context.Context, defaultBranch string) ([]vcs.VersionRecord, error) {
	refs, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}

	byName := make(map[string]plumbing.Hash)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		switch {
		case strings.HasPrefix(name, remoteBranchPrefix):
			short := strings.TrimPrefix(name, remoteBranchPrefix)
			if short != "HEAD" {
				byName[short] = ref.Hash()
			}
		case ref.Name().IsBranch():
			byName[ref.Name().Short()] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk references: %w", err)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []vcs.VersionRecord
	for _, name := range names {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		commit, commitErr := r.repo.CommitObject(byName[name])
		if commitErr != nil {
			r.debugSkip(ctx, "branch", name, commitErr)
			continue
		}

		record, recErr := r.recordAt(commit, "dev-"+name, "dev-"+name, true)
		if recErr != nil || record == nil {
			r.debugSkip(ctx, "branch", name, recErr)
			continue
		}
		record.DefaultBranch = name == defaultBranch
		records = append(records, *record)
	}
	return records, nil
}

// tagCommit resolves lightweight and annotated tags to their commit.
func (r *Repo) tagCommit(ref *plumbing.Reference) (*object.Commit, error) {
	if tag, err := r.repo.TagObject(ref.Hash()); err == nil {
		return tag.Commit()
	}
	return r.repo.CommitObject(ref.Hash())
}

// recordAt builds a version record from the manifest at the commit, or nil
// when the current scope carries no manifest there.
func (r *Repo) recordAt(commit *object.Commit, version, normalized string, development bool) (*vcs.VersionRecord, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree: %w", err)
	}

	file, err := tree.File(r.manifestPath())
	if err != nil {
		return nil, nil
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal([]byte(contents), &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, nil
	}

	released := commit.Committer.When
	return &vcs.VersionRecord{
		Name:        m.Name,
		Version:     version,
		Normalized:  normalized,
		Description: m.Description,
		Homepage:    m.Homepage,
		License:     m.License,
		Keywords:    m.Keywords,
		Source: vcs.SourceInfo{
			Type:      "git",
			URL:       r.url,
			Reference: commit.Hash.String(),
		},
		Authors:     m.Authors,
		Require:     m.Require,
		DevRequire:  m.RequireDev,
		Conflict:    m.Conflict,
		Provide:     m.Provide,
		Replace:     m.Replace,
		Suggest:     m.Suggest,
		Autoload:    m.Autoload,
		Extra:       m.Extra,
		Binaries:    m.Bin,
		Support:     m.Support,
		ReleasedAt:  &released,
		Development: development,
	}, nil
}

func (r *Repo) debugSkip(ctx context.Context, kind, name string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.DebugContext(ctx, "revision skipped",
		"kind", kind,
		"name", name,
		"error", err,
	)
}

// normalizeTag turns a tag name into the pretty and normalized version pair.
// Tags that do not parse as versions are not releases and are skipped.
func normalizeTag(tag string) (pretty, normalized string, parsed *semver.Version, ok bool) {
	pretty = strings.TrimSpace(tag)
	pretty = strings.TrimPrefix(pretty, "v")
	pretty = strings.TrimPrefix(pretty, "V")
	if pretty == "" {
		return "", "", nil, false
	}

	parsed, err := semver.NewVersion(pretty)
	if err != nil {
		return "", "", nil, false
	}

	normalized = fmt.Sprintf("%d.%d.%d.0", parsed.Major(), parsed.Minor(), parsed.Patch())
	if pre := parsed.Prerelease(); pre != "" {
		normalized += "-" + strings.ToLower(pre)
	}
	return pretty, normalized, parsed, true
}
