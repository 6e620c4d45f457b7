package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Master.ListenAddr != ":8080" {
		t.Errorf("unexpected listen addr %q", cfg.Master.ListenAddr)
	}
	if cfg.Registry.StaleAfter != 30*time.Second || cfg.Registry.RemoveAfter != 10*time.Minute {
		t.Errorf("unexpected registry windows: %+v", cfg.Registry)
	}
	w := cfg.Scheduler.Weights
	if w.Utilization != 0.3 || w.Queue != 0.3 || w.Speed != 0.2 || w.Priority != 0.2 {
		t.Errorf("unexpected weights: %+v", w)
	}
	sc := cfg.SchedulerConfig()
	if sc.Backoff.InitialBackoff != 500*time.Millisecond || sc.Backoff.MaxBackoff != 30*time.Second {
		t.Errorf("unexpected backoff: %+v", sc.Backoff)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	content := `
master:
  listen_addr: ":9999"
  api_keys: ["from-file"]
registry:
  stale_after: 15s
scheduler:
  weights:
    utilization: 0.5
store:
  type: memory
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SCHED_REGISTRY_REMOVE_AFTER", "2m")
	t.Setenv("SCHED_AGENT_CAPABILITIES", "football-detection,tracking")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Master.ListenAddr != ":9999" {
		t.Errorf("file value not applied: %q", cfg.Master.ListenAddr)
	}
	if len(cfg.Master.APIKeys) != 1 || cfg.Master.APIKeys[0] != "from-file" {
		t.Errorf("unexpected api keys: %v", cfg.Master.APIKeys)
	}
	if cfg.Registry.StaleAfter != 15*time.Second {
		t.Errorf("expected stale_after 15s, got %s", cfg.Registry.StaleAfter)
	}
	if cfg.Registry.RemoveAfter != 2*time.Minute {
		t.Errorf("env override not applied: %s", cfg.Registry.RemoveAfter)
	}
	if cfg.Scheduler.Weights.Utilization != 0.5 || cfg.Scheduler.Weights.Queue != 0.3 {
		t.Errorf("partial weights should keep defaults: %+v", cfg.Scheduler.Weights)
	}
	if len(cfg.Agent.Capabilities) != 2 || cfg.Agent.Capabilities[1] != "tracking" {
		t.Errorf("unexpected capabilities: %v", cfg.Agent.Capabilities)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("unexpected store type %q", cfg.Store.Type)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for an explicit missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"RemoveBeforeStale", func(c *Config) { c.Registry.RemoveAfter = time.Second }},
		{"ZeroTick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"ShrinkingBackoff", func(c *Config) { c.Scheduler.Backoff.Multiplier = 0.5 }},
		{"NegativeWeight", func(c *Config) { c.Scheduler.Weights.Speed = -1 }},
		{"UnknownStore", func(c *Config) { c.Store.Type = "cassandra" }},
		{"NegativeRate", func(c *Config) { c.RateLimit.RPS = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Master.APIKeys = []string{"super-secret"}
	cfg.Agent.Credential = "node-secret"
	cfg.Store.Type = "postgres"
	cfg.Store.DSN = "postgres://sched:hunter2@db:5432/sched"

	out, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	text := string(out)
	for _, secret := range []string{"super-secret", "node-secret", "hunter2"} {
		if strings.Contains(text, secret) {
			t.Errorf("secret %q leaked into rendered config", secret)
		}
	}
	if !strings.Contains(text, "postgres://sched:****@db:5432/sched") {
		t.Errorf("dsn not masked as expected:\n%s", text)
	}
	if !strings.Contains(text, "stale_after: 30s") {
		t.Errorf("durations should render as strings:\n%s", text)
	}
	if cfg.Master.APIKeys[0] != "super-secret" {
		t.Error("masking must not modify the original config")
	}
}

func TestLogConfigFileOutput(t *testing.T) {
	dir := t.TempDir()
	logger, err := LogConfig{Level: "debug", Dir: dir}.NewLogger("master")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hello")
	logger.Close()

	data, err := os.ReadFile(filepath.Join(dir, "master", "master.log"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file does not contain the message:\n%s", data)
	}
}
