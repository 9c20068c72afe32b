// fluxauth scores behavioral sessions against enrolled baselines and
// applies operator policy rules to the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fluxauth/internal/config"
	"fluxauth/internal/engine"
	"fluxauth/internal/logging"
	"fluxauth/internal/metrics"
	"fluxauth/internal/store"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "fluxauth",
	Short: "Behavioral trust scoring",
	Long: `fluxauth continuously authenticates users by comparing live keystroke
and pointer timing against a personal baseline.

It enrolls users from sample sessions, scores live sessions into a 0-100
trust score with anomaly and bot flags, and maps outcomes to policy actions.
Only timing features are processed; key identities are never accepted.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $FLUXAUTH_DATA_DIR/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(enrollCmd, scoreCmd, rulesCmd, profileCmd, thresholdCmd, monitorCmd, simulateCmd, configCmd, dbCmd, versionCmd)
}

// app holds the components a command runs against.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	audit   *logging.AuditLogger
	store   *store.Store
	engine  *engine.Engine
}

// openApp loads configuration and builds the engine. withStore opens the
// SQLite store and loads every persisted profile.
func openApp(ctx context.Context, withStore bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if a.logger, err = newLogger(cfg.Logging); err != nil {
		return nil, err
	}
	logging.SetDefault(a.logger)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(metrics.Options{Runtime: true})
	}

	a.audit = logging.NopAuditLogger()
	if cfg.Logging.AuditPath != "" {
		a.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Logging.AuditPath,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxAge:     cfg.Logging.MaxAgeDays,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
			Component:  "fluxauth",
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	opts := []engine.Option{
		engine.WithLogger(a.logger.WithComponent("engine").Logger),
		engine.WithMetrics(a.metrics),
		engine.WithAudit(a.audit),
	}
	if withStore {
		a.store, err = store.OpenWithOptions(cfg.Storage.Path, store.Options{BusyTimeoutMs: cfg.Storage.BusyTimeoutMs})
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, engine.WithStore(a.store))
	}

	a.engine = engine.New(engine.FromConfig(cfg), opts...)
	if withStore {
		if _, err := a.engine.LoadProfiles(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	lc.FilePath = c.FilePath
	lc.MaxSize = c.MaxSizeMB
	lc.MaxBackups = c.MaxBackups
	lc.MaxAge = c.MaxAgeDays
	lc.Compress = c.Compress
	return logging.New(lc)
}

// close exports metrics and releases every resource.
func (a *app) close() {
	if a.cfg != nil && a.cfg.Metrics.TextfilePath != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
			a.logger.Warn("metrics export failed", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

// audited logs a failed audit write without failing the command.
func (a *app) audited(err error) {
	if err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
}

// readInput reads a file, or stdin when path is "-" or empty.
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}

// writeJSON writes v indented to path, or stdout when path is empty.
func writeJSON(out io.Writer, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = out.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
