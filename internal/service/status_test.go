package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/internal/domain/model"
)

type fakeJobReader struct {
	jobs   map[string]*model.Job
	getErr error
}

func (f *fakeJobReader) Create(context.Context, *model.CreateJobRequest) (*model.Job, error) {
	return nil, nil
}

func (f *fakeJobReader) GetByID(_ context.Context, id string) (*model.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return nil, assert.AnError
	}
	return job, nil
}

func (f *fakeJobReader) ClaimIfNotStarted(context.Context, string) (*model.Job, bool, error) {
	return nil, false, nil
}
func (f *fakeJobReader) Requeue(context.Context, string, time.Time) error { return nil }
func (f *fakeJobReader) Finish(context.Context, string, *model.JobResult) (bool, error) {
	return false, nil
}
func (f *fakeJobReader) TimeoutStuckJobs(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}
func (f *fakeJobReader) FindDueJobIDs(context.Context, int) ([]string, error) { return nil, nil }
func (f *fakeJobReader) Stats(context.Context, model.JobType) (*model.JobStats, error) {
	return nil, nil
}

type fakeStatusCache struct {
	entries map[string][]byte
	getErr  error
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{entries: map[string][]byte{}}
}

func (c *fakeStatusCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.entries[key] = value
	return nil
}

func (c *fakeStatusCache) Get(_ context.Context, key string) ([]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[key], nil
}

func (c *fakeStatusCache) Delete(_ context.Context, key string) (bool, error) {
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func TestGetStatus_PrefersCachedResult(t *testing.T) {
	cache := newFakeStatusCache()
	raw, err := json.Marshal(model.JobResult{
		Status:  model.JobStatusCompleted,
		Message: "3 versions updated",
		Details: "ref abc123",
	})
	require.NoError(t, err)
	cache.entries[JobStatusCacheKey("job-1")] = raw

	svc := MustNewStatusService(StatusOptions{
		Jobs:  &fakeJobReader{jobs: map[string]*model.Job{}},
		Cache: cache,
	})

	resp, err := svc.GetStatus(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, resp.Status)
	assert.Equal(t, "3 versions updated", resp.Message)
	assert.Empty(t, resp.Details)

	resp, err = svc.GetStatus(context.Background(), "job-1", true)
	require.NoError(t, err)
	assert.Equal(t, "ref abc123", resp.Details)
}

func TestGetStatus_FallsBackToDurableRow(t *testing.T) {
	result, err := json.Marshal(model.JobResult{
		Status:  model.JobStatusFailed,
		Message: "clone failed",
		Details: "dial tcp: connection refused",
	})
	require.NoError(t, err)

	jobs := &fakeJobReader{jobs: map[string]*model.Job{
		"job-2": {ID: "job-2", Status: model.JobStatusFailed, Result: result},
	}}

	svc := MustNewStatusService(StatusOptions{Jobs: jobs, Cache: newFakeStatusCache()})

	resp, err := svc.GetStatus(context.Background(), "job-2", false)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, resp.Status)
	assert.Equal(t, "clone failed", resp.Message)
	assert.Empty(t, resp.Details)

	resp, err = svc.GetStatus(context.Background(), "job-2", true)
	require.NoError(t, err)
	assert.Equal(t, "dial tcp: connection refused", resp.Details)
}

func TestGetStatus_NonTerminalPlaceholder(t *testing.T) {
	jobs := &fakeJobReader{jobs: map[string]*model.Job{
		"job-3": {ID: "job-3", Status: model.JobStatusStarted},
	}}

	svc := MustNewStatusService(StatusOptions{Jobs: jobs})

	resp, err := svc.GetStatus(context.Background(), "job-3", true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStarted, resp.Status)
	assert.Equal(t, "Job is still running, check back later", resp.Message)
	assert.Empty(t, resp.Details)
}

func TestGetStatus_CacheErrorFallsThrough(t *testing.T) {
	cache := newFakeStatusCache()
	cache.getErr = assert.AnError

	jobs := &fakeJobReader{jobs: map[string]*model.Job{
		"job-4": {ID: "job-4", Status: model.JobStatusCompleted},
	}}

	svc := MustNewStatusService(StatusOptions{Jobs: jobs, Cache: cache})

	resp, err := svc.GetStatus(context.Background(), "job-4", false)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, resp.Status)
}

func TestGetStatus_UnreadableStoredResult(t *testing.T) {
	jobs := &fakeJobReader{jobs: map[string]*model.Job{
		"job-5": {ID: "job-5", Status: model.JobStatusErrored, Result: json.RawMessage(`{bogus`)},
	}}

	svc := MustNewStatusService(StatusOptions{Jobs: jobs})

	resp, err := svc.GetStatus(context.Background(), "job-5", true)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusErrored, resp.Status)
	assert.Empty(t, resp.Message)
}

func TestGetStatus_JobLookupError(t *testing.T) {
	svc := MustNewStatusService(StatusOptions{Jobs: &fakeJobReader{getErr: assert.AnError}})

	_, err := svc.GetStatus(context.Background(), "missing", false)
	require.Error(t, err)
}
