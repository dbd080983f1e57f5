package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "session:\n  actor_id: user-1\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Prefetch.MaxConcurrent != 3 || cfg.Prefetch.PreloadAhead != 5 || cfg.Prefetch.MinRemaining != 10 {
		t.Errorf("unexpected prefetch defaults: %+v", cfg.Prefetch)
	}
	if cfg.Prefetch.Threshold != 0.3 {
		t.Errorf("expected threshold 0.3, got %v", cfg.Prefetch.Threshold)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second || cfg.Retry.MaxRetries != 3 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Action.DisplayWindow != 2*time.Second || cfg.Action.MaxRetries != 2 {
		t.Errorf("unexpected action defaults: %+v", cfg.Action)
	}
	if cfg.Query.StaleTime != time.Minute || cfg.Query.GCTime != 5*time.Minute {
		t.Errorf("unexpected query defaults: %+v", cfg.Query)
	}
	if cfg.Storage.Backend != "leveldb" {
		t.Errorf("expected leveldb backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Session.ActorID != "user-1" {
		t.Errorf("expected actor user-1, got %q", cfg.Session.ActorID)
	}
}

func TestLoad_WarmupFilters(t *testing.T) {
	path := writeConfig(t, `
warmup:
  filters:
    - species: dog
      size: small
    - species: cat
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Warmup.Filters) != 2 {
		t.Fatalf("expected 2 warmup filter sets, got %d", len(cfg.Warmup.Filters))
	}
	if cfg.Warmup.Filters[0]["species"] != "dog" || cfg.Warmup.Filters[0]["size"] != "small" {
		t.Errorf("unexpected first filter set: %v", cfg.Warmup.Filters[0])
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: floppy\n"},
		{"bad retry mode", "retry:\n  mode: linear\n"},
		{"threshold out of range", "prefetch:\n  threshold: 1.5\n"},
		{"stale exceeds gc", "query:\n  stale_time: 10m\n  gc_time: 1m\n"},
		{"bad log level", "observability:\n  logging:\n    level: loud\n"},
		{"sns without topic", "aws:\n  enabled: true\n  sns_topic_arn: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}
