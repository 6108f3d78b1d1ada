package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ClaimIfNotStarted(ctx context.Context, id string) (*model.Job, bool, error)
	Requeue(ctx context.Context, id string, executeAfter time.Time) error
	Finish(ctx context.Context, id string, result *model.JobResult) (bool, error)
	TimeoutStuckJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	FindDueJobIDs(ctx context.Context, limit int) ([]string, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
}

// JobScheduleRepository defines the transactional dedup primitives the
// scheduler uses under a per-package lock.
type JobScheduleRepository interface {
	WithScheduleLock(ctx context.Context, jobType model.JobType, packageID int64, fn func(tx *sql.Tx) error) error
	FindQueuedInTx(ctx context.Context, tx *sql.Tx, jobType model.JobType, packageID int64) (*model.Job, error)
	CompleteWithMessageInTx(ctx context.Context, tx *sql.Tx, id, message string) error
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// PackageRepository defines the interface for package data operations.
type PackageRepository interface {
	Create(ctx context.Context, req *model.CreatePackageRequest) (*model.Package, error)
	GetByID(ctx context.Context, id int64) (*model.Package, error)
	GetByName(ctx context.Context, name string) (*model.Package, error)
	StampSynced(ctx context.Context, id int64, at time.Time) error
	UpdateMetadata(ctx context.Context, id int64, meta *vcs.RepoMetadata) error
	UpdateSubDirectory(ctx context.Context, id int64, subDirectory string) error
	MarkRemoteGone(ctx context.Context, id int64) error
	ClearRemoteGone(ctx context.Context, id int64) error
	SetFailureNotified(ctx context.Context, id int64, notified bool) error
}

// VersionRepository defines the interface for version data operations.
type VersionRepository interface {
	ListByPackage(ctx context.Context, packageID int64) ([]*model.Version, error)
	Create(ctx context.Context, v *model.Version) (*model.Version, error)
	Update(ctx context.Context, v *model.Version) error
	UpdateDist(ctx context.Context, id int64, distType, distURL, distRef, distChecksum string) error
	BatchTouch(ctx context.Context, ids []int64, at time.Time) error
	SoftDelete(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error
	DeleteAllForPackage(ctx context.Context, packageID int64) (int64, error)

	ListLinks(ctx context.Context, versionID int64, kind model.LinkKind) (map[string]string, error)
	DeleteLinks(ctx context.Context, versionID int64, kind model.LinkKind, targetNames []string) error
	DeleteAllLinks(ctx context.Context, versionID int64, kind model.LinkKind) error
	InsertLinks(ctx context.Context, versionID int64, kind model.LinkKind, links map[string]string) error

	ListTags(ctx context.Context, versionID int64) (map[string]int64, error)
	EnsureTag(ctx context.Context, name string) (int64, error)
	AttachTag(ctx context.Context, versionID, tagID int64) error
	DetachTag(ctx context.Context, versionID, tagID int64) error

	ListAuthors(ctx context.Context, versionID int64) ([]*model.Author, error)
	FindAuthor(ctx context.Context, a *model.Author) (*model.Author, error)
	CreateAuthor(ctx context.Context, a *model.Author) (*model.Author, error)
	AttachAuthor(ctx context.Context, versionID, authorID int64) error
	ConfirmAuthor(ctx context.Context, authorID int64, at time.Time) error
}

// DispatchQueue is the live job queue between the scheduler and workers.
type DispatchQueue interface {
	Push(ctx context.Context, jobID string) error
	PopBlocking(ctx context.Context, timeout time.Duration) (string, error)
}

// LockProvider provides TTL-bounded exclusive locks.
// Acquire returns (nil, nil) when the lock is held elsewhere.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*data.Lock, error)
	Release(ctx context.Context, lock *data.Lock) error
}

// StatusCache is the short-TTL cache backing fast job status polling.
type StatusCache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
}
