package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// SyncFailurePayload captures the canonical data we emit for package sync
// failure notifications.
type SyncFailurePayload struct {
	JobID            string
	JobType          string
	PackageID        int64
	PackageName      string
	MaintainerEmails []string
	Error            string
	ErrorClass       string
	Severity         string
	OccurredAt       time.Time
	Metadata         map[string]string
}

// Sink describes a destination capable of consuming sync failure notifications.
type Sink interface {
	SendSyncFailure(ctx context.Context, payload SyncFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload SyncFailurePayload) error

// SendSyncFailure implements the Sink interface.
func (f SinkFunc) SendSyncFailure(ctx context.Context, payload SyncFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
