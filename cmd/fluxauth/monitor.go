package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fluxauth/internal/config"
	"fluxauth/internal/engine"
	"fluxauth/internal/inbox"
	"fluxauth/internal/logging"
	"fluxauth/internal/policy"
	"fluxauth/internal/schemavalidation"
)

var (
	monitorInbox  string
	monitorRules  string
	monitorSettle time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Score session batches dropped into an inbox directory",
	Long: `Watch an inbox directory for session batch files (*.json). Each file
is scored once it stops changing; the outcome is written to outcomes/<name>
and the batch removed. Invalid batches are moved to rejected/.

Adaptive thresholds accumulate for as long as the monitor runs. When a
rules file is configured it is reloaded on change; otherwise rules are read
from the store for every batch.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorInbox, "inbox", "", "inbox directory (default: monitor.inbox_dir)")
	monitorCmd.Flags().StringVar(&monitorRules, "rules", "", "rules file to follow (default: monitor.rules_file)")
	monitorCmd.Flags().DurationVar(&monitorSettle, "settle", inbox.DefaultSettle, "how long a batch must be unchanged before it is read")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	dir := monitorInbox
	if dir == "" {
		dir = a.cfg.Monitor.InboxDir
	}
	if dir == "" {
		return fmt.Errorf("no inbox directory configured")
	}
	rulesPath := monitorRules
	if rulesPath == "" {
		rulesPath = a.cfg.Monitor.RulesFile
	}

	rules := func(ctx context.Context) ([]policy.Rule, error) { return a.store.ListRules(ctx) }
	if rulesPath != "" {
		rw, err := policy.NewWatcher(rulesPath, a.logger.WithComponent("policy").Logger)
		if err != nil {
			return err
		}
		defer rw.Close()
		rw.OnChange(func(r []policy.Rule) {
			a.audited(a.audit.LogRuleChange(ctx, rulesPath, fmt.Sprintf("reloaded %d rules", len(r))))
		})
		if err := rw.Watch(ctx); err != nil {
			return err
		}
		rules = func(context.Context) ([]policy.Rule, error) { return rw.Rules(), nil }
	}

	if cl := watchConfig(ctx, a); cl != nil {
		defer cl.Close()
	}

	w, err := inbox.New(dir, monitorSettle, a.logger.WithComponent("inbox").Logger)
	if err != nil {
		return err
	}

	stopRotate := rotateOnHangup(a)
	defer stopRotate()

	a.audited(a.audit.LogStartup(ctx, version, map[string]interface{}{"inbox": dir, "rules": rulesPath}))
	a.logger.Info("monitor started", "inbox", dir, "rules", rulesPath)

	err = w.Run(ctx, func(ctx context.Context, b inbox.Batch) ([]byte, error) {
		ctx = logging.ContextWithRequestID(ctx, a.logger.NewRequestID())
		log := a.logger.WithContext(ctx)

		out, err := scoreBatch(ctx, a, rules, b)
		if err != nil {
			a.audited(a.audit.LogError(ctx, "score batch", err, map[string]interface{}{
				"batch":  b.Name,
				"digest": b.Digest,
			}))
			return nil, err
		}
		log.Info("batch scored",
			"batch", b.Name,
			"session", out.SessionID,
			"trust", out.TrustScore,
			"anomaly", out.IsAnomaly)
		if a.cfg.Metrics.TextfilePath != "" {
			if err := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
				log.Warn("metrics export failed", "error", err)
			}
		}
		return json.MarshalIndent(out, "", "  ")
	})

	reason := "stopped"
	if errors.Is(err, context.Canceled) {
		reason = "signal"
		err = nil
	}
	a.audited(a.audit.LogShutdown(context.WithoutCancel(ctx), reason))
	a.logger.Info("monitor stopped", "reason", reason)
	return err
}

func scoreBatch(ctx context.Context, a *app, rules func(context.Context) ([]policy.Rule, error), b inbox.Batch) (*engine.Outcome, error) {
	batch, err := schemavalidation.Default().DecodeSession(b.Data)
	if err != nil {
		return nil, err
	}
	rs, err := rules(ctx)
	if err != nil {
		return nil, err
	}
	return a.engine.Score(ctx, engine.ScoreRequest{
		UserID:    batch.UserID,
		SessionID: batch.SessionID,
		Events:    batch.Events,
		Rules:     rs,
	})
}

// rotateOnHangup reopens the log file on SIGHUP, for use with external
// log shippers. The returned func stops listening.
func rotateOnHangup(a *app) func() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-hup:
				if err := a.logger.Rotate(); err != nil {
					a.logger.Warn("log rotation failed", "error", err)
					continue
				}
				a.logger.Info("log rotated")
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
	}
}

// watchConfig reports edits to the config file while the monitor runs.
// Engine parameters are fixed at start, so changes only take effect on
// restart.
func watchConfig(ctx context.Context, a *app) *config.Loader {
	path := configFile()
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	cl := config.NewLoader(path)
	prev, err := cl.Load()
	if err != nil {
		return nil
	}
	cl.OnChange(func(next *config.Config) {
		old := strconv.FormatFloat(prev.Scoring.AnomalyThreshold, 'f', -1, 64)
		now := strconv.FormatFloat(next.Scoring.AnomalyThreshold, 'f', -1, 64)
		a.audited(a.audit.LogConfigChange(ctx, "scoring.anomaly_threshold", old, now))
		a.logger.Warn("config file changed; restart the monitor to apply", "path", path)
		prev = next
	})
	if err := cl.Watch(); err != nil {
		a.logger.Warn("config watch failed", "path", path, "error", err)
		return nil
	}
	return cl
}
