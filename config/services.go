package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the queue worker that executes update jobs.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeJanitor runs the janitor that prunes terminal jobs.
	ServiceModeJanitor ServiceMode = "janitor"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeJanitor,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeJanitor:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, janitor)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains queue worker configuration.
type WorkerConfig struct {
	// MaxJobs bounds how many jobs the worker processes before exiting.
	// Zero means run until the context is cancelled.
	MaxJobs int `env:"WORKER_MAX_JOBS" envDefault:"0"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.MaxJobs < 0 {
		w.MaxJobs = 0
	}
}

// SyncConfig contains sync engine configuration.
type SyncConfig struct {
	// ManifestIncludeGlobs selects which directories of a mono-repository are
	// scanned for package manifests. Patterns match paths relative to the
	// repository root, with '/' as the separator.
	ManifestIncludeGlobs []string `env:"SYNC_MANIFEST_INCLUDE_GLOBS" envSeparator:"," envDefault:"**/lodestone.json"`

	// ManifestExcludeGlobs removes directories from the manifest scan.
	// Exclusions win over inclusions.
	ManifestExcludeGlobs []string `env:"SYNC_MANIFEST_EXCLUDE_GLOBS" envSeparator:"," envDefault:""`

	// PruneNoOpTags drops patch-bump tags that change nothing under a
	// sub-package directory before syncing mono-repository sub-packages.
	PruneNoOpTags bool `env:"SYNC_PRUNE_NOOP_TAGS" envDefault:"true"`
}

// Sanitize applies guardrails to sync configuration values.
func (s *SyncConfig) Sanitize() {
	s.ManifestIncludeGlobs = trimGlobs(s.ManifestIncludeGlobs)
	s.ManifestExcludeGlobs = trimGlobs(s.ManifestExcludeGlobs)
}

func trimGlobs(patterns []string) []string {
	out := patterns[:0]
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JanitorConfig contains janitor service configuration.
type JanitorConfig struct {
	// Interval is the janitor tick interval.
	Interval time.Duration `env:"JANITOR_INTERVAL" envDefault:"5m"`

	// TerminalMaxAge is the maximum age for terminal jobs before deletion.
	TerminalMaxAge time.Duration `env:"JANITOR_TERMINAL_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to delete per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"JANITOR_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to janitor configuration values.
func (j *JanitorConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if j.Interval < 1*time.Minute {
		j.Interval = 1 * time.Minute
	}
	if j.TerminalMaxAge < 1*time.Hour {
		j.TerminalMaxAge = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if j.BatchSize < 1 {
		j.BatchSize = 1
	}
	if j.BatchSize > 10000 {
		j.BatchSize = 10000
	}
}
