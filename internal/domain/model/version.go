package model

import (
	"encoding/json"
	"strings"
	"time"
)

// LinkKind identifies one of the dependency-link relations a version may carry.
type LinkKind string

const (
	LinkRequire    LinkKind = "require"
	LinkDevRequire LinkKind = "require_dev"
	LinkConflict   LinkKind = "conflict"
	LinkProvide    LinkKind = "provide"
	LinkReplace    LinkKind = "replace"
	LinkSuggest    LinkKind = "suggest"
)

// LinkKinds lists the constraint-bearing link relations reconciled on every
// version update. Suggest links are reconciled separately because an empty
// upstream set clears them entirely.
var LinkKinds = []LinkKind{LinkRequire, LinkDevRequire, LinkConflict, LinkProvide, LinkReplace}

// Version is one released (or branch) revision of a Package.
// It is uniquely identified by (package id, lowercased normalized version).
type Version struct {
	ID        int64 `json:"id"         db:"id"`
	PackageID int64 `json:"package_id" db:"package_id"`

	Name        string `json:"name"                  db:"name"`
	Version     string `json:"version"               db:"version"`
	Normalized  string `json:"normalized"            db:"normalized"`
	Description string `json:"description,omitempty" db:"description"`
	Homepage    string `json:"homepage,omitempty"    db:"homepage"`
	License     string `json:"license,omitempty"     db:"license"`

	// Development marks branch-like versions sorted after tagged releases.
	Development bool `json:"development" db:"development"`

	SourceType string `json:"source_type,omitempty" db:"source_type"`
	SourceURL  string `json:"source_url,omitempty"  db:"source_url"`
	SourceRef  string `json:"source_ref,omitempty"  db:"source_ref"`

	DistType     string `json:"dist_type,omitempty"     db:"dist_type"`
	DistURL      string `json:"dist_url,omitempty"      db:"dist_url"`
	DistRef      string `json:"dist_ref,omitempty"      db:"dist_ref"`
	DistChecksum string `json:"dist_checksum,omitempty" db:"dist_checksum"`

	Autoload json.RawMessage `json:"autoload,omitempty" db:"autoload"`
	Extra    json.RawMessage `json:"extra,omitempty"    db:"extra"`
	Binaries json.RawMessage `json:"binaries,omitempty" db:"binaries"`
	Support  json.RawMessage `json:"support,omitempty"  db:"support"`

	ReleasedAt *time.Time `json:"released_at,omitempty" db:"released_at"`

	// SoftDeletedAt marks a version missing from upstream, pending the grace
	// window before hard deletion.
	SoftDeletedAt *time.Time `json:"soft_deleted_at,omitempty" db:"soft_deleted_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizedKey returns the lowercased normalized version used as the
// reconciliation key within a package.
func (v *Version) NormalizedKey() string {
	return strings.ToLower(v.Normalized)
}

// VersionLink is one dependency edge from a version to a target package name.
type VersionLink struct {
	ID         int64    `json:"id"          db:"id"`
	VersionID  int64    `json:"version_id"  db:"version_id"`
	Kind       LinkKind `json:"kind"        db:"kind"`
	TargetName string   `json:"target_name" db:"target_name"`
	Constraint string   `json:"constraint"  db:"constraint"`
}

// Author identifies a version author; matched by the full identity tuple.
type Author struct {
	ID       int64  `json:"id"                 db:"id"`
	Email    string `json:"email,omitempty"    db:"email"`
	Name     string `json:"name,omitempty"     db:"name"`
	Homepage string `json:"homepage,omitempty" db:"homepage"`
	Role     string `json:"role,omitempty"     db:"role"`
	// LastConfirmedAt is refreshed at most once per confirmation window when the
	// author is seen again on a new version.
	LastConfirmedAt *time.Time `json:"last_confirmed_at,omitempty" db:"last_confirmed_at"`
}

// IdentityKey returns the tuple key used to match authors across versions.
func (a *Author) IdentityKey() string {
	return strings.ToLower(a.Email) + "\x00" + a.Name + "\x00" + a.Homepage + "\x00" + a.Role
}

// Tag is a keyword attached to versions.
type Tag struct {
	ID   int64  `json:"id"   db:"id"`
	Name string `json:"name" db:"name"`
}
