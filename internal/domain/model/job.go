// Package model defines the core data types shared across the lodestone sync system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the type of job to be executed.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobTypePackageUpdate represents a single-package repository sync job.
	JobTypePackageUpdate JobType = "package_update"
	// JobTypeMonoRepoUpdate represents a mono-repository sub-package sync job.
	JobTypeMonoRepoUpdate JobType = "monorepo_update"

	// JobStatusQueued indicates a job is waiting to be processed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusStarted indicates a job has been claimed by a worker.
	JobStatusStarted JobStatus = "started"
	// JobStatusCompleted indicates a job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a job failed in a way the caller may retry.
	JobStatusFailed JobStatus = "failed"
	// JobStatusErrored indicates a job aborted with an unexpected error.
	JobStatusErrored JobStatus = "errored"
	// JobStatusPackageGone indicates the upstream repository is conclusively gone.
	JobStatusPackageGone JobStatus = "package_gone"
	// JobStatusPackageDeleted indicates the package row vanished before or during the run.
	JobStatusPackageDeleted JobStatus = "package_deleted"
	// JobStatusTimeout indicates a stuck job was reaped by the timeout sweep.
	JobStatusTimeout JobStatus = "timeout"

	// JobStatusReschedule is a handler outcome, never a stored status: the worker
	// requeues the job with a new execute-after time instead of persisting it.
	JobStatusReschedule JobStatus = "reschedule"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for claiming.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobType is valid.
func (t JobType) Valid() bool {
	return t == JobTypePackageUpdate || t == JobTypeMonoRepoUpdate
}

// Valid returns true if the JobStatus is a storable status.
// JobStatusReschedule is deliberately excluded.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusStarted, JobStatusCompleted, JobStatusFailed,
		JobStatusErrored, JobStatusPackageGone, JobStatusPackageDeleted, JobStatusTimeout:
		return true
	}
	return false
}

// Terminal returns true if the status ends the job's current run.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusErrored,
		JobStatusPackageGone, JobStatusPackageDeleted, JobStatusTimeout:
		return true
	}
	return false
}

// Job represents a unit of asynchronous work.
type Job struct {
	ID           string          `json:"id"                      db:"id"`
	Type         JobType         `json:"type"                    db:"type"`
	Status       JobStatus       `json:"status"                  db:"status"`
	Payload      json.RawMessage `json:"payload"                 db:"payload"`
	PackageID    *int64          `json:"package_id,omitempty"    db:"package_id"`
	Result       json.RawMessage `json:"result,omitempty"        db:"result"`
	CreatedAt    time.Time       `json:"created_at"              db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"    db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"  db:"completed_at"`
	ExecuteAfter *time.Time      `json:"execute_after,omitempty" db:"execute_after"`
}

// CreateJobRequest represents a request to persist a new queued job.
type CreateJobRequest struct {
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	PackageID    *int64          `json:"package_id,omitempty"`
	ExecuteAfter *time.Time      `json:"execute_after,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return errors.New("invalid job type")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// JobResult is the structured outcome a handler returns and the worker persists.
type JobResult struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	// Details carries diagnostic output shown to maintainers only.
	Details string `json:"details,omitempty"`
	// After requests the next attempt time when Status is reschedule.
	After *time.Time `json:"after,omitempty"`
}

// UpdateJobPayload is the payload carried by package_update and monorepo_update jobs.
type UpdatePayload struct {
	PackageID int64 `json:"package_id"`
	// UpdateEqualRefs forces full version rewrites even when source refs are unchanged.
	UpdateEqualRefs bool `json:"update_equal_refs,omitempty"`
	// DeleteBefore wipes existing versions before syncing.
	DeleteBefore bool `json:"delete_before,omitempty"`
	// ForceDump requests a metadata dump even when nothing changed.
	ForceDump bool `json:"force_dump,omitempty"`
}

// JobStatusResponse is the externally visible view of a job's progress.
type JobStatusResponse struct {
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Details string    `json:"details,omitempty"`
}

// JobStats represents counts of jobs in different states.
type JobStats struct {
	Queued    int `json:"queued"`
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	Timeout   int `json:"timeout"`
}
