package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("FLUXAUTH_DATA_DIR", "/tmp/fluxauth-test")
	cfg := DefaultConfig()

	if cfg.Scoring.AnomalyThreshold != 2.5 {
		t.Errorf("expected threshold 2.5, got %v", cfg.Scoring.AnomalyThreshold)
	}
	if cfg.Scoring.MinEnrollmentSessions != 4 {
		t.Errorf("expected 4 enrollment sessions, got %d", cfg.Scoring.MinEnrollmentSessions)
	}
	if cfg.Forest.NumTrees != 100 || cfg.Forest.SubsampleSize != 256 || cfg.Forest.MaxDepth != 8 {
		t.Errorf("unexpected forest defaults: %+v", cfg.Forest)
	}
	if cfg.Adaptive.WindowSize != 10 || cfg.Adaptive.MinSamples != 3 || cfg.Adaptive.MaxBoost != 1.0 {
		t.Errorf("unexpected adaptive defaults: %+v", cfg.Adaptive)
	}
	if !strings.HasPrefix(cfg.Storage.Path, "/tmp/fluxauth-test") {
		t.Errorf("storage path should live in the data dir: %s", cfg.Storage.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("FLUXAUTH_DATA_DIR", "/tmp/fluxauth-test")
	path := ConfigPath()
	if path != filepath.Join("/tmp/fluxauth-test", "config.toml") {
		t.Errorf("unexpected config path %s", path)
	}
}

func TestPlatformDataDir(t *testing.T) {
	dir := PlatformDataDir()
	if dir == "" {
		t.Fatal("PlatformDataDir returned empty string")
	}
	if !strings.Contains(dir, "fluxauth") {
		t.Errorf("expected dir to mention fluxauth, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scoring.AnomalyThreshold != 2.5 {
		t.Errorf("expected default threshold, got %v", cfg.Scoring.AnomalyThreshold)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"config.toml": `
[scoring]
anomaly_threshold = 3.0

[forest]
num_trees = 40
`,
		"config.json": `{"scoring": {"anomaly_threshold": 3.0}, "forest": {"num_trees": 40}}`,
		"config.yaml": `
scoring:
  anomaly_threshold: 3.0
forest:
  num_trees: 40
`,
		"config": `
[scoring]
anomaly_threshold = 3.0
[forest]
num_trees = 40
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Scoring.AnomalyThreshold != 3.0 {
				t.Errorf("expected threshold 3.0, got %v", cfg.Scoring.AnomalyThreshold)
			}
			if cfg.Forest.NumTrees != 40 {
				t.Errorf("expected 40 trees, got %d", cfg.Forest.NumTrees)
			}
			// Unset fields keep their defaults.
			if cfg.Adaptive.WindowSize != 10 {
				t.Errorf("expected default window size, got %d", cfg.Adaptive.WindowSize)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[scoring\nbroken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ANOMALY_THRESHOLD", "3.25")
	t.Setenv("MIN_ENROLLMENT_SESSIONS", "6")
	t.Setenv("FLUXAUTH_ALLOW_DEFAULT_PROFILE", "true")
	t.Setenv("FLUXAUTH_FOREST_ENABLED", "false")
	t.Setenv("FLUXAUTH_FOREST_SEED", "99")
	t.Setenv("FLUXAUTH_FOREST_TREES", "40")
	t.Setenv("FLUXAUTH_FOREST_SUBSAMPLE", "64")
	t.Setenv("FLUXAUTH_FOREST_DEPTH", "6")
	t.Setenv("FLUXAUTH_STORAGE_PATH", "/tmp/x.db")
	t.Setenv("FLUXAUTH_LOG_LEVEL", "debug")
	t.Setenv("FLUXAUTH_LOG_PATH", "/tmp/x.log")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Scoring.AnomalyThreshold != 3.25 {
		t.Errorf("expected threshold 3.25, got %v", cfg.Scoring.AnomalyThreshold)
	}
	if cfg.Scoring.MinEnrollmentSessions != 6 {
		t.Errorf("expected 6 sessions, got %d", cfg.Scoring.MinEnrollmentSessions)
	}
	if !cfg.Scoring.AllowDefaultProfile {
		t.Error("expected default profile fallback enabled")
	}
	if cfg.Forest.Enabled {
		t.Error("expected forest disabled")
	}
	if cfg.Forest.Seed != 99 {
		t.Errorf("expected seed 99, got %d", cfg.Forest.Seed)
	}
	if cfg.Forest.NumTrees != 40 || cfg.Forest.SubsampleSize != 64 || cfg.Forest.MaxDepth != 6 {
		t.Errorf("expected forest 40/64/6, got %d/%d/%d",
			cfg.Forest.NumTrees, cfg.Forest.SubsampleSize, cfg.Forest.MaxDepth)
	}
	if cfg.Storage.Path != "/tmp/x.db" {
		t.Errorf("unexpected storage path %s", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("unexpected log level %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/tmp/x.log" {
		t.Errorf("expected file logging to /tmp/x.log, got %s %s", cfg.Logging.Output, cfg.Logging.FilePath)
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("ANOMALY_THRESHOLD", "high")
	t.Setenv("MIN_ENROLLMENT_SESSIONS", "four")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	if cfg.Scoring.AnomalyThreshold != 2.5 {
		t.Errorf("expected default threshold, got %v", cfg.Scoring.AnomalyThreshold)
	}
	if cfg.Scoring.MinEnrollmentSessions != 4 {
		t.Errorf("expected default sessions, got %d", cfg.Scoring.MinEnrollmentSessions)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 0 }, "version"},
		{"threshold", func(c *Config) { c.Scoring.AnomalyThreshold = 0 }, "scoring.anomaly_threshold"},
		{"sessions", func(c *Config) { c.Scoring.MinEnrollmentSessions = 0 }, "scoring.min_enrollment_sessions"},
		{"trees", func(c *Config) { c.Forest.NumTrees = 0 }, "forest.num_trees"},
		{"subsample", func(c *Config) { c.Forest.SubsampleSize = 1 }, "forest.subsample_size"},
		{"depth", func(c *Config) { c.Forest.MaxDepth = 100 }, "forest.max_depth"},
		{"window", func(c *Config) { c.Adaptive.WindowSize = 0 }, "adaptive.window_size"},
		{"min_samples", func(c *Config) { c.Adaptive.MinSamples = 11 }, "adaptive.min_samples"},
		{"weight", func(c *Config) { c.Adaptive.ForestWeight = 1.5 }, "adaptive.forest_weight"},
		{"storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file_path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestForestDisabledSkipsForestValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forest.Enabled = false
	cfg.Forest.NumTrees = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled forest should not be validated: %v", err)
	}
}

func TestWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scoring.AllowDefaultProfile = true
	cfg.Monitor.InboxDir = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings should not fail validation: %v", err)
	}
	findings := Lint(cfg)
	if len(findings.Warnings()) != 2 {
		t.Errorf("expected 2 warnings, got %v", findings)
	}
	if findings.HasErrors() {
		t.Errorf("expected no errors, got %v", findings.Errors())
	}
}

func TestSaveAndLoadOrCreate(t *testing.T) {
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			cfg, created, err := LoadOrCreate(path)
			if err != nil {
				t.Fatalf("LoadOrCreate failed: %v", err)
			}
			if !created {
				t.Error("expected file to be created")
			}
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("config file not written: %v", err)
			}

			cfg.Scoring.AnomalyThreshold = 4
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig failed: %v", err)
			}

			loaded, created, err := LoadOrCreate(path)
			if err != nil {
				t.Fatalf("reload failed: %v", err)
			}
			if created {
				t.Error("existing file should not be recreated")
			}
			if loaded.Scoring.AnomalyThreshold != 4 {
				t.Errorf("expected threshold 4, got %v", loaded.Scoring.AnomalyThreshold)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(root, "db", "fluxauth.db")
	cfg.Monitor.InboxDir = filepath.Join(root, "inbox")
	cfg.Logging.AuditPath = filepath.Join(root, "audit", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{"db", "inbox", "audit"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[scoring]\nanomaly_threshold = 2.5\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	defer loader.Close()

	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[scoring]\nanomaly_threshold = 3.5\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Scoring.AnomalyThreshold != 3.5 {
			t.Errorf("expected reloaded threshold 3.5, got %v", c.Scoring.AnomalyThreshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if loader.Config().Scoring.AnomalyThreshold != 3.5 {
		t.Error("loader should expose the reloaded config")
	}
}
