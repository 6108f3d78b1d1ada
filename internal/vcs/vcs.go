// Package vcs defines the repository abstraction the sync engines consume.
// Drivers that actually speak git/svn/http live behind this boundary and are
// plugged in by the caller; the engines only see already-parsed version records.
package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ManifestFileName is the per-directory package manifest drivers look for.
const ManifestFileName = "lodestone.json"

// ErrRemoteGone is returned by drivers when the upstream repository is
// conclusively missing (deleted, or access revoked in a permanent way).
var ErrRemoteGone = errors.New("remote repository gone")

// ErrTransport is returned by drivers for transient network or transport
// failures where a retry is expected to succeed.
var ErrTransport = errors.New("repository transport failure")

// SourceInfo locates the live source of a version.
type SourceInfo struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// DistInfo locates a downloadable artifact for a version.
type DistInfo struct {
	Type      string `json:"type,omitempty"`
	URL       string `json:"url,omitempty"`
	Reference string `json:"reference,omitempty"`
	Checksum  string `json:"shasum,omitempty"`
}

// AuthorRecord is one author entry declared by a version manifest.
type AuthorRecord struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Homepage string `json:"homepage,omitempty"`
	Role     string `json:"role,omitempty"`
}

// VersionRecord is one discovered, already-parsed version of a repository.
type VersionRecord struct {
	// Name is the package name the manifest declares for this revision.
	Name string `json:"name"`

	Version    string `json:"version"`
	Normalized string `json:"version_normalized"`

	Description string   `json:"description,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	License     []string `json:"license,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`

	Source SourceInfo `json:"source"`
	Dist   *DistInfo  `json:"dist,omitempty"`

	Authors []AuthorRecord `json:"authors,omitempty"`

	Require    map[string]string `json:"require,omitempty"`
	DevRequire map[string]string `json:"require-dev,omitempty"`
	Conflict   map[string]string `json:"conflict,omitempty"`
	Provide    map[string]string `json:"provide,omitempty"`
	Replace    map[string]string `json:"replace,omitempty"`
	Suggest    map[string]string `json:"suggest,omitempty"`

	Autoload json.RawMessage `json:"autoload,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
	Binaries json.RawMessage `json:"bin,omitempty"`
	Support  json.RawMessage `json:"support,omitempty"`

	ReleasedAt *time.Time `json:"time,omitempty"`

	// Development marks branch-like revisions; drivers sort these after tags.
	Development bool `json:"development,omitempty"`
	// Alias marks alias entries the sync engine skips entirely.
	Alias bool `json:"alias,omitempty"`
	// DefaultBranch marks the revision corresponding to RootIdentifier.
	DefaultBranch bool `json:"default_branch,omitempty"`
}

// RepoMetadata is default-branch repository metadata fetched via side calls.
type RepoMetadata struct {
	Description string
	Language    string
	Readme      string
	Stars       int
	Forks       int
	OpenIssues  int
}

// Repository is the narrow interface the sync engines consume.
//
// ListVersions returns discovered version records already ordered: non-dev
// before dev, then by version, ties broken by release date.
type Repository interface {
	// ListVersions lists discovered versions in sync order.
	ListVersions(ctx context.Context) ([]VersionRecord, error)
	// RootIdentifier names the default branch or tag.
	RootIdentifier(ctx context.Context) (string, error)
	// Metadata fetches default-branch repository metadata. Callers treat
	// failures here as non-fatal.
	Metadata(ctx context.Context) (*RepoMetadata, error)
}

// TreeRepository extends Repository for mono-repository trees.
type TreeRepository interface {
	Repository

	// ListTreeFiles lists all file paths in the tree at its default revision.
	ListTreeFiles(ctx context.Context) ([]string, error)
	// ScopedTo returns a repository view restricted to the given subdirectory.
	ScopedTo(subDirectory string) TreeRepository
	// DiffBetween lists paths changed between two source references.
	DiffBetween(ctx context.Context, refA, refB string) ([]string, error)
}

// Factory opens a repository abstraction for a package's repository URL.
// The concrete driver (git, remote API, local archive) is the factory's choice.
type Factory interface {
	Open(ctx context.Context, repositoryURL string, credentialsID *int64) (TreeRepository, error)
}
