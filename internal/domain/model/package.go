package model

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// packageNamePattern is the canonical vendor/name form accepted for catalog entries.
var packageNamePattern = regexp.MustCompile(`^[a-z0-9]([_.-]?[a-z0-9]+)*/[a-z0-9](([_.]|-{1,2})?[a-z0-9]+)*$`)

// Package represents a catalog entry pointing at one upstream repository
// (or one subdirectory of a mono-repository tree).
type Package struct {
	ID            int64   `json:"id"                       db:"id"`
	Name          string  `json:"name"                     db:"name"`
	Repository    string  `json:"repository"               db:"repository"`
	ParentID      *int64  `json:"parent_id,omitempty"      db:"parent_id"`
	SubDirectory  *string `json:"sub_directory,omitempty"  db:"sub_directory"`
	CredentialsID *int64  `json:"credentials_id,omitempty" db:"credentials_id"`

	AutoUpdated bool `json:"auto_updated" db:"auto_updated"`
	Disabled    bool `json:"disabled"     db:"disabled"`
	Archived    bool `json:"archived"     db:"archived"`

	// Default-branch metadata, refreshed as a non-fatal side effect of sync runs.
	Description string `json:"description,omitempty" db:"description"`
	Language    string `json:"language,omitempty"    db:"language"`
	Readme      string `json:"readme,omitempty"      db:"readme"`
	Stars       int    `json:"stars"                 db:"stars"`
	Forks       int    `json:"forks"                 db:"forks"`
	OpenIssues  int    `json:"open_issues"           db:"open_issues"`

	// MaintainerEmails drives sync-failure notification.
	MaintainerEmails []string `json:"maintainer_emails,omitempty" db:"maintainer_emails"`
	// FailureNotified suppresses repeat notifications until the package changes again.
	FailureNotified bool `json:"failure_notified" db:"failure_notified"`

	// RemoteGoneAt records when the upstream repository was last seen conclusively
	// missing; scheduling is suppressed for a long window afterwards.
	RemoteGoneAt *time.Time `json:"remote_gone_at,omitempty" db:"remote_gone_at"`

	CrawledAt *time.Time `json:"crawled_at,omitempty" db:"crawled_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	IndexedAt *time.Time `json:"indexed_at,omitempty" db:"indexed_at"`
	CreatedAt time.Time  `json:"created_at"           db:"created_at"`
}

// IsSubPackage reports whether this package is driven by a mono-repo root.
func (p *Package) IsSubPackage() bool {
	return p.ParentID != nil
}

// Vendor returns the vendor half of the package name.
func (p *Package) Vendor() string {
	if i := strings.IndexByte(p.Name, '/'); i > 0 {
		return p.Name[:i]
	}
	return p.Name
}

// ValidPackageName reports whether name matches the vendor/name naming policy.
func ValidPackageName(name string) bool {
	return packageNamePattern.MatchString(strings.ToLower(name))
}

// CreatePackageRequest represents a request to register a new package.
type CreatePackageRequest struct {
	Name         string  `json:"name"`
	Repository   string  `json:"repository"`
	ParentID     *int64  `json:"parent_id,omitempty"`
	SubDirectory *string `json:"sub_directory,omitempty"`
}

// Validate validates the CreatePackageRequest fields.
func (r *CreatePackageRequest) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	if !ValidPackageName(r.Name) {
		return errors.New("name must match the vendor/name naming policy")
	}
	if r.Repository == "" {
		return errors.New("repository is required")
	}
	return nil
}
