package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-registry/lodestone/config"
	"github.com/lodestone-registry/lodestone/internal/data"
)

// fakeJanitorRepo returns scripted per-batch counts.
type fakeJanitorRepo struct {
	batches []int64
	calls   []data.DeleteOldTerminalJobsParams
	err     error
}

func (f *fakeJanitorRepo) DeleteOldTerminalJobs(_ context.Context, params data.DeleteOldTerminalJobsParams) (int64, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func janitorConfig() config.JanitorConfig {
	return config.JanitorConfig{
		Interval:       time.Minute,
		TerminalMaxAge: 7 * 24 * time.Hour,
		BatchSize:      500,
	}
}

func TestJanitorRunCleanup_DrainsInBatches(t *testing.T) {
	repo := &fakeJanitorRepo{batches: []int64{500, 500, 42}}
	svc, err := NewJanitorService(JanitorServiceOptions{Repo: repo, Config: janitorConfig()})
	require.NoError(t, err)

	require.NoError(t, svc.runCleanup(context.Background()))

	// Three full-or-partial batches plus the empty one that stops the drain.
	require.Len(t, repo.calls, 4)
	assert.Equal(t, 7*24*time.Hour, repo.calls[0].MaxAge)
	assert.Equal(t, 500, repo.calls[0].BatchSize)
}

func TestJanitorRunCleanup_PropagatesRepoError(t *testing.T) {
	repo := &fakeJanitorRepo{err: assert.AnError}
	svc, err := NewJanitorService(JanitorServiceOptions{Repo: repo, Config: janitorConfig()})
	require.NoError(t, err)

	require.Error(t, svc.runCleanup(context.Background()))
}

func TestJanitorRunCleanup_CancelledContextMapsToCanceled(t *testing.T) {
	repo := &fakeJanitorRepo{err: context.Canceled}
	svc, err := NewJanitorService(JanitorServiceOptions{Repo: repo, Config: janitorConfig()})
	require.NoError(t, err)

	err = svc.runCleanup(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}

func TestJanitorRun_StopsCleanlyOnCancel(t *testing.T) {
	repo := &fakeJanitorRepo{}
	cfg := janitorConfig()
	cfg.Interval = 10 * time.Millisecond
	svc, err := NewJanitorService(JanitorServiceOptions{Repo: repo, Config: cfg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		require.NoError(t, runErr)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}

	// The startup cleanup ran at least once.
	assert.NotEmpty(t, repo.calls)
}

func TestNewJanitorService_RequiresRepo(t *testing.T) {
	_, err := NewJanitorService(JanitorServiceOptions{Config: janitorConfig()})
	require.Error(t, err)
}
