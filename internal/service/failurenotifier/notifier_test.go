package failurenotifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/observability/notify"
	"github.com/lodestone-registry/lodestone/internal/vcs"
)

type recordingSink struct {
	mu       sync.Mutex
	payloads []notify.SyncFailurePayload
	err      error
}

func (r *recordingSink) SendSyncFailure(_ context.Context, payload notify.SyncFailurePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return r.err
}

func (r *recordingSink) received() []notify.SyncFailurePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.SyncFailurePayload(nil), r.payloads...)
}

// notifiedStore implements the package repository slice the notifier touches.
type notifiedStore struct {
	notified map[int64]bool
}

func (s *notifiedStore) Create(context.Context, *model.CreatePackageRequest) (*model.Package, error) {
	return nil, nil
}
func (s *notifiedStore) GetByID(context.Context, int64) (*model.Package, error) {
	return nil, data.ErrPackageNotFound
}
func (s *notifiedStore) GetByName(context.Context, string) (*model.Package, error) {
	return nil, data.ErrPackageNotFound
}
func (s *notifiedStore) StampSynced(context.Context, int64, time.Time) error { return nil }
func (s *notifiedStore) UpdateMetadata(context.Context, int64, *vcs.RepoMetadata) error {
	return nil
}
func (s *notifiedStore) UpdateSubDirectory(context.Context, int64, string) error { return nil }
func (s *notifiedStore) MarkRemoteGone(context.Context, int64) error             { return nil }
func (s *notifiedStore) ClearRemoteGone(context.Context, int64) error            { return nil }

func (s *notifiedStore) SetFailureNotified(_ context.Context, id int64, notified bool) error {
	if s.notified == nil {
		s.notified = map[int64]bool{}
	}
	s.notified[id] = notified
	return nil
}

func failingPackage() *model.Package {
	return &model.Package{
		ID:               7,
		Name:             "acme/widgets",
		MaintainerEmails: []string{"owner@example.com"},
	}
}

func TestNotifySyncFailure_FansOutToAllSinks(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	store := &notifiedStore{}

	svc := NewService(Options{
		Sinks: []SinkRegistration{
			{Name: "slack", Sink: first},
			{Name: "pagerduty", Sink: second},
		},
		Packages: store,
	})
	require.True(t, svc.Enabled())

	svc.NotifySyncFailure(context.Background(), failingPackage(), notify.SyncFailurePayload{
		JobID:   "job-1",
		JobType: "package_update",
		Error:   "clone failed",
	})

	for _, sink := range []*recordingSink{first, second} {
		payloads := sink.received()
		require.Len(t, payloads, 1)
		assert.Equal(t, "job-1", payloads[0].JobID)
		assert.Equal(t, int64(7), payloads[0].PackageID)
		assert.Equal(t, "acme/widgets", payloads[0].PackageName)
		assert.Equal(t, []string{"owner@example.com"}, payloads[0].MaintainerEmails)
		assert.Equal(t, notify.SeverityCritical, payloads[0].Severity)
	}

	assert.True(t, store.notified[7])
}

func TestNotifySyncFailure_SuppressesRepeatNotifications(t *testing.T) {
	sink := &recordingSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "slack", Sink: sink}}})

	pkg := failingPackage()
	pkg.FailureNotified = true

	svc.NotifySyncFailure(context.Background(), pkg, notify.SyncFailurePayload{JobID: "job-1"})
	assert.Empty(t, sink.received())
}

func TestNotifySyncFailure_SinkErrorDoesNotBlockOthers(t *testing.T) {
	failing := &recordingSink{err: assert.AnError}
	healthy := &recordingSink{}

	svc := NewService(Options{Sinks: []SinkRegistration{
		{Name: "slack", Sink: failing},
		{Name: "pagerduty", Sink: healthy},
	}})

	svc.NotifySyncFailure(context.Background(), failingPackage(), notify.SyncFailurePayload{JobID: "job-1"})
	assert.Len(t, healthy.received(), 1)
}

func TestNotifySyncFailure_KeepsExplicitSeverity(t *testing.T) {
	sink := &recordingSink{}
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "slack", Sink: sink}}})

	svc.NotifySyncFailure(context.Background(), nil, notify.SyncFailurePayload{
		JobID:    "job-1",
		Severity: notify.SeverityWarning,
	})

	payloads := sink.received()
	require.Len(t, payloads, 1)
	assert.Equal(t, notify.SeverityWarning, payloads[0].Severity)
}

func TestNewService_DropsNilSinks(t *testing.T) {
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "slack", Sink: nil}}})
	assert.False(t, svc.Enabled())
}
