// Package failurenotifier fans sync failure notifications out to configured
// sinks, with per-package suppression so maintainers hear about a broken
// package once, not on every retry.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a human-readable name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger   *slog.Logger
	Sinks    []SinkRegistration
	Packages core.PackageRepository // Optional: enables suppression bookkeeping
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger   *slog.Logger
	sinks    []SinkRegistration
	packages core.PackageRepository
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "sink"
		}
		sinks = append(sinks, SinkRegistration{
			Name: name,
			Sink: entry.Sink,
		})
	}

	return &Service{
		logger:   logger,
		sinks:    sinks,
		packages: opts.Packages,
	}
}

// NotifySyncFailure fans the failure payload out to all sinks. When the
// failing job belongs to a package whose maintainers were already notified,
// nothing is sent; the suppression flag clears the next time the package's
// metadata is refreshed.
func (s *Service) NotifySyncFailure(ctx context.Context, pkg *model.Package, payload notify.SyncFailurePayload) {
	if len(s.sinks) == 0 {
		return
	}

	if pkg != nil {
		if pkg.FailureNotified {
			s.logger.DebugContext(ctx, "failure already notified, suppressing",
				"package", pkg.Name,
				"job_id", payload.JobID,
			)
			return
		}
		payload.PackageID = pkg.ID
		payload.PackageName = pkg.Name
		payload.MaintainerEmails = pkg.MaintainerEmails
	}

	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		entry := entry
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendSyncFailure(ctx, payload); err != nil {
				s.logger.Error("failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"package", payload.PackageName,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()

	if pkg != nil && s.packages != nil {
		if err := s.packages.SetFailureNotified(ctx, pkg.ID, true); err != nil {
			s.logger.WarnContext(ctx, "record failure notification failed",
				"package", pkg.Name,
				"error", err,
			)
		}
	}
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}
