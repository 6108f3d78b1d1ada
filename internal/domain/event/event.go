// Package event defines the domain events the sync engines emit for external
// consumers (webhooks, notifications, search indexing).
package event

import "context"

// Channel names events are published under.
const (
	ChannelPackageCreated  = "package.created"
	ChannelVersionsChanged = "package.versions-changed"
)

// PackageCreated is emitted on the first-ever successful sync of a new package.
type PackageCreated struct {
	PackageID int64  `json:"package_id"`
	Name      string `json:"name"`
}

// VersionsChanged is emitted when a sync run created, updated, or deleted
// versions. Runs that change nothing emit nothing.
type VersionsChanged struct {
	PackageID  int64   `json:"package_id"`
	NewIDs     []int64 `json:"new_ids,omitempty"`
	UpdatedIDs []int64 `json:"updated_ids,omitempty"`
	DeletedIDs []int64 `json:"deleted_ids,omitempty"`
}

// Empty reports whether the event carries no changes at all.
func (e *VersionsChanged) Empty() bool {
	return len(e.NewIDs) == 0 && len(e.UpdatedIDs) == 0 && len(e.DeletedIDs) == 0
}

// Sink receives domain events. Implementations must not block the sync run;
// delivery failures are the sink's problem to log.
type Sink interface {
	PackageCreated(ctx context.Context, ev *PackageCreated) error
	VersionsChanged(ctx context.Context, ev *VersionsChanged) error
}
