package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
	"github.com/lodestone-registry/lodestone/internal/service"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

// fakePackageStore implements core.PackageRepository over a fixed package set.
type fakePackageStore struct {
	packages map[int64]*model.Package
}

func (f *fakePackageStore) Create(context.Context, *model.CreatePackageRequest) (*model.Package, error) {
	return nil, nil
}

func (f *fakePackageStore) GetByID(_ context.Context, id int64) (*model.Package, error) {
	pkg, ok := f.packages[id]
	if !ok {
		return nil, data.ErrPackageNotFound
	}
	return pkg, nil
}

func (f *fakePackageStore) GetByName(context.Context, string) (*model.Package, error) {
	return nil, data.ErrPackageNotFound
}
func (f *fakePackageStore) StampSynced(context.Context, int64, time.Time) error        { return nil }
func (f *fakePackageStore) UpdateMetadata(context.Context, int64, *vcs.RepoMetadata) error {
	return nil
}
func (f *fakePackageStore) UpdateSubDirectory(context.Context, int64, string) error { return nil }
func (f *fakePackageStore) MarkRemoteGone(context.Context, int64) error             { return nil }
func (f *fakePackageStore) ClearRemoteGone(context.Context, int64) error            { return nil }
func (f *fakePackageStore) SetFailureNotified(context.Context, int64, bool) error   { return nil }

// fakeSyncEngine records sync invocations and returns a scripted outcome.
type fakeSyncEngine struct {
	outcome *service.SyncOutcome
	err     error

	synced   []*model.Package
	payloads []model.UpdatePayload
}

func (f *fakeSyncEngine) Sync(_ context.Context, pkg *model.Package, payload model.UpdatePayload) (*service.SyncOutcome, error) {
	f.synced = append(f.synced, pkg)
	f.payloads = append(f.payloads, payload)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func updateJob(payload string) *model.Job {
	return &model.Job{
		ID:      "job-1",
		Type:    model.JobTypePackageUpdate,
		Status:  model.JobStatusStarted,
		Payload: json.RawMessage(payload),
	}
}

func TestPackageUpdateHandler_Success(t *testing.T) {
	pkg := &model.Package{ID: 7, Name: "acme/widgets"}
	packages := &fakePackageStore{packages: map[int64]*model.Package{7: pkg}}
	engine := &fakeSyncEngine{outcome: &service.SyncOutcome{
		Status:  model.JobStatusCompleted,
		Created: 2,
		Updated: 1,
	}}

	h := NewPackageUpdateHandler(packages, engine)
	result, err := h(context.Background(), updateJob(`{"package_id":7,"update_equal_refs":true}`))
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, result.Status)
	assert.Equal(t, "Update completed", result.Message)
	assert.Equal(t, "created=2 updated=1 deleted=0", result.Details)

	require.Len(t, engine.synced, 1)
	assert.Same(t, pkg, engine.synced[0])
	assert.True(t, engine.payloads[0].UpdateEqualRefs)
}

func TestPackageUpdateHandler_MalformedPayload(t *testing.T) {
	h := NewPackageUpdateHandler(&fakePackageStore{}, &fakeSyncEngine{})

	_, err := h(context.Background(), updateJob(`{bogus`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPackageUpdateHandler_MissingPackageID(t *testing.T) {
	h := NewPackageUpdateHandler(&fakePackageStore{}, &fakeSyncEngine{})

	_, err := h(context.Background(), updateJob(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestPackageUpdateHandler_PackageRowGone(t *testing.T) {
	packages := &fakePackageStore{packages: map[int64]*model.Package{}}
	engine := &fakeSyncEngine{}
	h := NewPackageUpdateHandler(packages, engine)

	result, err := h(context.Background(), updateJob(`{"package_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, result.Status)
	assert.Empty(t, engine.synced)

	// A delete-before run against a vanished row is already done.
	result, err = h(context.Background(), updateJob(`{"package_id":7,"delete_before":true}`))
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPackageDeleted, result.Status)
}

func TestPackageUpdateHandler_PropagatesSyncError(t *testing.T) {
	pkg := &model.Package{ID: 7, Name: "acme/widgets"}
	packages := &fakePackageStore{packages: map[int64]*model.Package{7: pkg}}
	engine := &fakeSyncEngine{err: apperrors.Transientf("clone timed out")}

	h := NewPackageUpdateHandler(packages, engine)
	_, err := h(context.Background(), updateJob(`{"package_id":7}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestPackageUpdateHandler_ReschedulePassesThrough(t *testing.T) {
	pkg := &model.Package{ID: 7, Name: "acme/widgets"}
	packages := &fakePackageStore{packages: map[int64]*model.Package{7: pkg}}
	after := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	engine := &fakeSyncEngine{outcome: &service.SyncOutcome{
		Status:  model.JobStatusReschedule,
		Message: "Package acme/widgets is locked by another update run",
		After:   &after,
	}}

	h := NewPackageUpdateHandler(packages, engine)
	result, err := h(context.Background(), updateJob(`{"package_id":7}`))
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusReschedule, result.Status)
	require.NotNil(t, result.After)
	assert.Equal(t, after, *result.After)
	assert.Empty(t, result.Details)
}

func TestMonoRepoUpdateHandler_RoutesToMonoRepoEngine(t *testing.T) {
	root := &model.Package{ID: 3, Name: "acme/platform"}
	packages := &fakePackageStore{packages: map[int64]*model.Package{3: root}}
	engine := &fakeSyncEngine{outcome: &service.SyncOutcome{
		Status:  model.JobStatusCompleted,
		Message: "Synced 4 of 4 packages in acme/platform",
	}}

	h := NewMonoRepoUpdateHandler(packages, engine)
	job := updateJob(`{"package_id":3}`)
	job.Type = model.JobTypeMonoRepoUpdate

	result, err := h(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, result.Status)
	assert.Equal(t, "Synced 4 of 4 packages in acme/platform", result.Message)
	require.Len(t, engine.synced, 1)
	assert.Same(t, root, engine.synced[0])
}
