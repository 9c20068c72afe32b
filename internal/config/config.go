// Package config handles configuration loading and validation for fluxauth.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the complete fluxauth configuration.
type Config struct {
	Version  int            `toml:"version" json:"version" yaml:"version"`
	Scoring  ScoringConfig  `toml:"scoring" json:"scoring" yaml:"scoring"`
	Forest   ForestConfig   `toml:"forest" json:"forest" yaml:"forest"`
	Adaptive AdaptiveConfig `toml:"adaptive" json:"adaptive" yaml:"adaptive"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics" json:"metrics" yaml:"metrics"`
	Monitor  MonitorConfig  `toml:"monitor" json:"monitor" yaml:"monitor"`
}

// ScoringConfig controls the centroid scorer and enrollment.
type ScoringConfig struct {
	// AnomalyThreshold is the base mean |z| above which a session is anomalous.
	AnomalyThreshold float64 `toml:"anomaly_threshold" json:"anomaly_threshold" yaml:"anomaly_threshold"`

	// MinEnrollmentSessions is the fewest sessions accepted for enrollment.
	MinEnrollmentSessions int `toml:"min_enrollment_sessions" json:"min_enrollment_sessions" yaml:"min_enrollment_sessions"`

	// AllowDefaultProfile scores unenrolled users against a population baseline.
	AllowDefaultProfile bool `toml:"allow_default_profile" json:"allow_default_profile" yaml:"allow_default_profile"`

	// ExtendedFeatures adds the navigation features to extracted vectors.
	ExtendedFeatures bool `toml:"extended_features" json:"extended_features" yaml:"extended_features"`
}

// ForestConfig controls isolation forest training.
type ForestConfig struct {
	Enabled       bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	NumTrees      int    `toml:"num_trees" json:"num_trees" yaml:"num_trees"`
	SubsampleSize int    `toml:"subsample_size" json:"subsample_size" yaml:"subsample_size"`
	MaxDepth      int    `toml:"max_depth" json:"max_depth" yaml:"max_depth"`
	Seed          uint64 `toml:"seed" json:"seed" yaml:"seed"`

	// Workers bounds parallel tree construction. Zero means GOMAXPROCS.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`
}

// AdaptiveConfig controls per-user threshold adaptation.
type AdaptiveConfig struct {
	WindowSize         int     `toml:"window_size" json:"window_size" yaml:"window_size"`
	MinSamples         int     `toml:"min_samples" json:"min_samples" yaml:"min_samples"`
	MaxBoost           float64 `toml:"max_boost" json:"max_boost" yaml:"max_boost"`
	ForestWeight       float64 `toml:"forest_weight" json:"forest_weight" yaml:"forest_weight"`
	ForestAnomalyScore float64 `toml:"forest_anomaly_score" json:"forest_anomaly_score" yaml:"forest_anomaly_score"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Path          string `toml:"path" json:"path" yaml:"path"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format (text, json).
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where to write logs (stdout, stderr, file).
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TextfilePath receives a Prometheus text exposition after each command.
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
}

// MonitorConfig configures the monitor command.
type MonitorConfig struct {
	// InboxDir is watched for event batch files to score.
	InboxDir string `toml:"inbox_dir" json:"inbox_dir" yaml:"inbox_dir"`

	// RulesFile, when set, supplies policy rules instead of the store.
	RulesFile string `toml:"rules_file" json:"rules_file" yaml:"rules_file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Scoring: ScoringConfig{
			AnomalyThreshold:      2.5,
			MinEnrollmentSessions: 4,
			AllowDefaultProfile:   false,
			ExtendedFeatures:      false,
		},
		Forest: ForestConfig{
			Enabled:       true,
			NumTrees:      100,
			SubsampleSize: 256,
			MaxDepth:      8,
			Seed:          1,
		},
		Adaptive: AdaptiveConfig{
			WindowSize:         10,
			MinSamples:         3,
			MaxBoost:           1.0,
			ForestWeight:       0.4,
			ForestAnomalyScore: 0.6,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "fluxauth.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "fluxauth.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Monitor: MonitorConfig{
			InboxDir: filepath.Join(dir, "inbox"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Monitor.InboxDir,
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base fluxauth directory.
// FLUXAUTH_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("FLUXAUTH_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/fluxauth/
//   - Linux:   $XDG_DATA_HOME/fluxauth/ or ~/.local/share/fluxauth/
//   - Windows: %APPDATA%\fluxauth\
//
// Falls back to ~/.fluxauth if the home directory is unknown.
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".fluxauth"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "fluxauth")
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "fluxauth")
		}
		return filepath.Join(home, ".local", "share", "fluxauth")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "fluxauth")
		}
	}
	return filepath.Join(home, ".fluxauth")
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// ANOMALY_THRESHOLD and MIN_ENROLLMENT_SESSIONS are honored unprefixed;
// everything else uses the FLUXAUTH_ prefix. Unparseable values are ignored.
func (c *Config) ApplyEnvOverrides() {
	// Scoring overrides
	if v, ok := envFloat("ANOMALY_THRESHOLD"); ok {
		c.Scoring.AnomalyThreshold = v
	}
	if v, ok := envInt("MIN_ENROLLMENT_SESSIONS"); ok {
		c.Scoring.MinEnrollmentSessions = v
	}
	if v, ok := envBool("FLUXAUTH_ALLOW_DEFAULT_PROFILE"); ok {
		c.Scoring.AllowDefaultProfile = v
	}

	// Forest overrides
	if v, ok := envBool("FLUXAUTH_FOREST_ENABLED"); ok {
		c.Forest.Enabled = v
	}
	if v, ok := envInt("FLUXAUTH_FOREST_TREES"); ok {
		c.Forest.NumTrees = v
	}
	if v, ok := envInt("FLUXAUTH_FOREST_SUBSAMPLE"); ok {
		c.Forest.SubsampleSize = v
	}
	if v, ok := envInt("FLUXAUTH_FOREST_DEPTH"); ok {
		c.Forest.MaxDepth = v
	}
	if v := os.Getenv("FLUXAUTH_FOREST_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Forest.Seed = seed
		}
	}

	// Storage overrides
	if v := os.Getenv("FLUXAUTH_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Logging overrides
	if v := os.Getenv("FLUXAUTH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLUXAUTH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FLUXAUTH_LOG_PATH"); v != "" {
		c.Logging.Output = "file"
		c.Logging.FilePath = v
	}
	if v := os.Getenv("FLUXAUTH_AUDIT_PATH"); v != "" {
		c.Logging.AuditPath = v
	}

	// Metrics overrides
	if v := os.Getenv("FLUXAUTH_METRICS_TEXTFILE"); v != "" {
		c.Metrics.TextfilePath = v
	}
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

