package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bazaar.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.DispatchTimeout() != 30*time.Second {
		t.Errorf("dispatch timeout = %v, want 30s", cfg.DispatchTimeout())
	}
	if cfg.Scheduler.PoolSize != 10 || cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.RetryBackoff() != 500*time.Millisecond {
		t.Errorf("backoff = %v, want 500ms", cfg.RetryBackoff())
	}
	if cfg.Deadline() != 0 {
		t.Errorf("deadline = %v, want 0 (disabled)", cfg.Deadline())
	}
	if cfg.Reputation.Default != 100 || cfg.Reputation.Step != 5 || cfg.Reputation.Ceiling != 200 {
		t.Errorf("reputation defaults = %+v", cfg.Reputation)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("BAZAAR_TEST_DSN", "postgres://real-host/bazaar")
	os.Unsetenv("BAZAAR_TEST_REDIS")

	path := writeConfig(t, `{
		"database": {
			"postgres": {"dsn": "${BAZAAR_TEST_DSN:postgres://fallback/db}"},
			"redis": {"url": "${BAZAAR_TEST_REDIS:redis://localhost:6379/0}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://real-host/bazaar" {
		t.Errorf("dsn = %q, want env value", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q, want fallback default", cfg.Database.Redis.URL)
	}
}

func TestLoadWorkflows(t *testing.T) {
	path := writeConfig(t, `{
		"scheduler": {"deadline_seconds": 120},
		"workflows": [
			{
				"id": "content",
				"name": "Content pipeline",
				"keywords": ["blog"],
				"subtasks": [
					{"id": "extract", "capability": "extract"},
					{"id": "copywrite", "capability": "copywrite", "depends_on": ["extract"]}
				]
			}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Deadline() != 2*time.Minute {
		t.Errorf("deadline = %v, want 2m", cfg.Deadline())
	}
	if len(cfg.Workflows) != 1 {
		t.Fatalf("workflows = %d, want 1", len(cfg.Workflows))
	}
	wf := cfg.Workflows[0]
	if wf.ID != "content" || len(wf.Subtasks) != 2 {
		t.Errorf("workflow = %+v", wf)
	}
	if got := wf.Subtasks[1].DependsOn; len(got) != 1 || got[0] != "extract" {
		t.Errorf("depends_on = %v, want [extract]", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing file accepted")
	}
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}
