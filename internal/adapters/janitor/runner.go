// Package janitor provides the adapter for running the job store cleanup loop.
package janitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lodestone-registry/lodestone/config"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/observability/statsd"
	"github.com/lodestone-registry/lodestone/internal/service"
)

// Runner constructs the janitor service and runs its cleanup loop.
type Runner struct {
	janitor *service.JanitorService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.JanitorConfig
	Logger *slog.Logger

	// Optional dependency injection for testing/decoupling
	Repo    service.JanitorRepository
	Metrics statsd.Sink
}

// NewRunner creates a new janitor runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.Repo == nil {
		return nil, errors.New("either DB or Repo must be provided")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo := opts.Repo
	if repo == nil {
		repo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}

	janitorSvc, err := service.NewJanitorService(service.JanitorServiceOptions{
		Repo:    repo,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire janitor service: %w", err)
	}

	return &Runner{
		janitor: janitorSvc,
		logger:  opts.Logger,
	}, nil
}

// Run starts the cleanup loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting janitor runner")
	return r.janitor.Run(ctx)
}
