package config

import (
	"testing"
	"time"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - worker",
			input: "worker",
			expected: map[ServiceMode]bool{
				ServiceModeWorker: true,
			},
			expectError: false,
		},
		{
			name:  "single service - janitor",
			input: "janitor",
			expected: map[ServiceMode]bool{
				ServiceModeJanitor: true,
			},
			expectError: false,
		},
		{
			name:  "all services",
			input: "worker,janitor",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:  true,
				ServiceModeJanitor: true,
			},
			expectError: false,
		},
		{
			name:  "services with spaces",
			input: " worker , janitor ",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:  true,
				ServiceModeJanitor: true,
			},
			expectError: false,
		},
		{
			name:  "duplicate services",
			input: "worker,worker,janitor",
			expected: map[ServiceMode]bool{
				ServiceModeWorker:  true,
				ServiceModeJanitor: true,
			},
			expectError: false,
		},
		{
			name:        "empty string",
			input:       "",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "only spaces and commas",
			input:       " , , ",
			expected:    nil,
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "worker,invalid-service",
			expected:    nil,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name            string
		services        string
		expectedWorker  bool
		expectedJanitor bool
	}{
		{
			name:            "default - worker only",
			services:        "worker",
			expectedWorker:  true,
			expectedJanitor: false,
		},
		{
			name:            "all services",
			services:        "worker,janitor",
			expectedWorker:  true,
			expectedJanitor: true,
		},
		{
			name:            "janitor only",
			services:        "janitor",
			expectedWorker:  false,
			expectedJanitor: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			if cfg.IsWorkerEnabled() != tt.expectedWorker {
				t.Errorf("IsWorkerEnabled(): expected %v, got %v", tt.expectedWorker, cfg.IsWorkerEnabled())
			}

			if cfg.IsJanitorEnabled() != tt.expectedJanitor {
				t.Errorf("IsJanitorEnabled(): expected %v, got %v", tt.expectedJanitor, cfg.IsJanitorEnabled())
			}
		})
	}
}

func TestConfig_ServiceEnabledMethodsWithInvalidConfig(t *testing.T) {
	cfg := AppConfig{Services: "invalid-service"}

	// All methods should return false when configuration is invalid
	if cfg.IsWorkerEnabled() {
		t.Errorf("IsWorkerEnabled() with invalid config: expected false, got true")
	}

	if cfg.IsJanitorEnabled() {
		t.Errorf("IsJanitorEnabled() with invalid config: expected false, got true")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{
		ServiceModeWorker,
		ServiceModeJanitor,
	}

	if len(modes) != len(expected) {
		t.Errorf("expected %d service modes, got %d", len(expected), len(modes))
	}

	for i, mode := range modes {
		if mode != expected[i] {
			t.Errorf("expected service mode %s at index %d, got %s", expected[i], i, mode)
		}
	}
}

func TestJanitorConfig_Sanitize(t *testing.T) {
	cfg := JanitorConfig{
		Interval:       time.Second,
		TerminalMaxAge: time.Minute,
		BatchSize:      0,
	}

	cfg.Sanitize()

	if cfg.Interval < time.Minute {
		t.Errorf("expected interval to be clamped to >= 1m, got %v", cfg.Interval)
	}
	if cfg.TerminalMaxAge < time.Hour {
		t.Errorf("expected terminal max age to be clamped to >= 1h, got %v", cfg.TerminalMaxAge)
	}
	if cfg.BatchSize < 1 {
		t.Errorf("expected batch size to be clamped to >= 1, got %d", cfg.BatchSize)
	}

	cfg = JanitorConfig{
		Interval:       time.Hour,
		TerminalMaxAge: 24 * time.Hour,
		BatchSize:      50000,
	}
	cfg.Sanitize()

	if cfg.BatchSize != 10000 {
		t.Errorf("expected batch size to be capped at 10000, got %d", cfg.BatchSize)
	}
}

func TestSyncConfig_Sanitize(t *testing.T) {
	cfg := SyncConfig{
		ManifestIncludeGlobs: []string{" **/lodestone.json ", "", "packages/*/lodestone.json"},
		ManifestExcludeGlobs: []string{"  ", "vendor/**"},
	}

	cfg.Sanitize()

	if len(cfg.ManifestIncludeGlobs) != 2 {
		t.Fatalf("expected 2 include globs, got %d: %v", len(cfg.ManifestIncludeGlobs), cfg.ManifestIncludeGlobs)
	}
	if cfg.ManifestIncludeGlobs[0] != "**/lodestone.json" {
		t.Errorf("expected globs to be trimmed, got %q", cfg.ManifestIncludeGlobs[0])
	}
	if len(cfg.ManifestExcludeGlobs) != 1 || cfg.ManifestExcludeGlobs[0] != "vendor/**" {
		t.Errorf("unexpected exclude globs: %v", cfg.ManifestExcludeGlobs)
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
}

func TestObservabilityNotificationsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityNotificationsConfig{
		Enabled:    true,
		Timeout:    0,
		RetryLimit: -1,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: " ",
			Channel:    "  ",
			Username:   "",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: " ",
			Source:     "",
			Component:  "",
		},
	}

	cfg.Sanitize()

	if cfg.Timeout <= 0 {
		t.Fatalf("expected timeout to fall back to default, got %v", cfg.Timeout)
	}
	if cfg.RetryLimit < 0 {
		t.Fatalf("expected retry limit to be clamped to >= 0, got %d", cfg.RetryLimit)
	}
	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled without a webhook url")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled without a routing key")
	}
	if cfg.PagerDuty.Source != "lodestone" {
		t.Fatalf("expected pagerduty source default, got %q", cfg.PagerDuty.Source)
	}
	if cfg.PagerDuty.Component != "lodestone" {
		t.Fatalf("expected pagerduty component default, got %q", cfg.PagerDuty.Component)
	}

	// Disabled top-level should disable child sinks.
	cfg = ObservabilityNotificationsConfig{
		Enabled: false,
		Slack: SlackNotificationConfig{
			Enabled:    true,
			WebhookURL: "https://hooks.slack.com/services/test",
		},
		PagerDuty: PagerDutyNotificationConfig{
			Enabled:    true,
			RoutingKey: "abc",
		},
	}
	cfg.Sanitize()

	if cfg.Slack.Enabled {
		t.Fatal("expected slack to be disabled when top-level notifications disabled")
	}
	if cfg.PagerDuty.Enabled {
		t.Fatal("expected pagerduty to be disabled when top-level notifications disabled")
	}
}
