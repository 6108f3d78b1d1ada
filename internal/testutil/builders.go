// Package testutil provides testing utilities and helpers for the lodestone
// catalog sync system.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:    model.JobTypePackageUpdate,
			Payload: json.RawMessage(`{}`),
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithPackageID keys the job to a package so scheduler dedup applies.
func (b *JobRequestBuilder) WithPackageID(id int64) *JobRequestBuilder {
	b.req.PackageID = &id
	return b
}

// WithExecuteAfter delays the job until the given time.
func (b *JobRequestBuilder) WithExecuteAfter(at time.Time) *JobRequestBuilder {
	b.req.ExecuteAfter = &at
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// PackageBuilder provides a fluent interface for building Package rows for testing.
type PackageBuilder struct {
	pkg *model.Package
}

// NewPackage creates a new PackageBuilder with sensible defaults.
func NewPackage() *PackageBuilder {
	return &PackageBuilder{
		pkg: &model.Package{
			ID:          1,
			Name:        "acme/widgets",
			Repository:  "https://github.com/acme/widgets.git",
			AutoUpdated: true,
			CreatedAt:   TestTime(),
		},
	}
}

// WithID sets the package id.
func (b *PackageBuilder) WithID(id int64) *PackageBuilder {
	b.pkg.ID = id
	return b
}

// WithName sets the package name.
func (b *PackageBuilder) WithName(name string) *PackageBuilder {
	b.pkg.Name = name
	return b
}

// WithRepository sets the repository URL.
func (b *PackageBuilder) WithRepository(url string) *PackageBuilder {
	b.pkg.Repository = url
	return b
}

// WithParent marks the package as a sub-package of a mono-repo root.
func (b *PackageBuilder) WithParent(parentID int64, subDirectory string) *PackageBuilder {
	b.pkg.ParentID = &parentID
	b.pkg.SubDirectory = &subDirectory
	return b
}

// WithRemoteGoneAt records the remote-gone marker.
func (b *PackageBuilder) WithRemoteGoneAt(at time.Time) *PackageBuilder {
	b.pkg.RemoteGoneAt = &at
	return b
}

// WithMaintainerEmails sets the notification recipients.
func (b *PackageBuilder) WithMaintainerEmails(emails ...string) *PackageBuilder {
	b.pkg.MaintainerEmails = emails
	return b
}

// Build returns the constructed Package.
func (b *PackageBuilder) Build() *model.Package {
	return b.pkg
}
