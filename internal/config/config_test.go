package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Fatalf("expected bolt storage, got %q", cfg.Storage.Type)
	}
	if want := filepath.Join(dir, "tabtrack", "tabtrack.bolt"); cfg.Storage.Path != want {
		t.Fatalf("expected storage path %q, got %q", want, cfg.Storage.Path)
	}
	if got := ParseDuration(cfg.Tracking.TelemetryInterval, 0); got != time.Minute {
		t.Fatalf("expected 1m telemetry interval, got %v", got)
	}
	if got := ParseDuration(cfg.Buffer.Retention, 0); got != 7*24*time.Hour {
		t.Fatalf("expected 7 day retention, got %v", got)
	}

	schedule := cfg.RetrySchedule()
	want := []time.Duration{30 * time.Second, time.Minute, 5 * time.Minute, 10 * time.Minute}
	if len(schedule) != len(want) {
		t.Fatalf("expected %d retry entries, got %d", len(want), len(schedule))
	}
	for i := range want {
		if schedule[i] != want[i] {
			t.Fatalf("retry entry %d: expected %v, got %v", i, want[i], schedule[i])
		}
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"server:",
		"  api_base: http://127.0.0.1:8000",
		"tracking:",
		"  min_session_duration: 3s",
		"storage:",
		"  path: " + filepath.Join(dir, "data", "state.bolt"),
		"retry:",
		"  schedule: [5s, 10s]",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TABTRACK_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.APIBase != "http://127.0.0.1:8000" {
		t.Errorf("unexpected api base %q", cfg.Server.APIBase)
	}
	if cfg.Tracking.MinSessionDuration != "3s" {
		t.Errorf("unexpected min session duration %q", cfg.Tracking.MinSessionDuration)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override of logging level, got %q", cfg.Logging.Level)
	}
	if len(cfg.RetrySchedule()) != 2 {
		t.Errorf("expected 2 retry entries, got %v", cfg.RetrySchedule())
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("expected storage directory to be created: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad api base", "server:\n  api_base: not a url\n"},
		{"bad retry entry", "retry:\n  schedule: [soon]\n"},
		{"bad storage type", "storage:\n  type: sqlite\n"},
		{"negative retention", "buffer:\n  retention: -1h\n"},
		{"bad interval", "tracking:\n  telemetry_interval: often\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("XDG_DATA_HOME", dir)
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}
