package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileRule mirrors Rule with an optional enabled flag, which defaults to true.
type fileRule struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name" yaml:"name"`
	Condition string     `json:"condition" yaml:"condition"`
	Action    ActionType `json:"action" yaml:"action"`
	Priority  int        `json:"priority" yaml:"priority"`
	Enabled   *bool      `json:"enabled" yaml:"enabled"`
}

type ruleFile struct {
	Rules []fileRule `json:"rules" yaml:"rules"`
}

// LoadRules reads a YAML or JSON rule file, chosen by extension. Every rule
// is validated; the first invalid rule fails the load.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data, filepath.Ext(path))
}

// ParseRules decodes a rule document. ext selects the format (".json",
// ".yaml" or ".yml"); anything else is decoded as YAML.
func ParseRules(data []byte, ext string) ([]Rule, error) {
	var doc ruleFile
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode JSON rules: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML rules: %w", err)
		}
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i, fr := range doc.Rules {
		r := Rule{
			ID:        fr.ID,
			Name:      fr.Name,
			Condition: fr.Condition,
			Action:    fr.Action,
			Priority:  fr.Priority,
			Enabled:   fr.Enabled == nil || *fr.Enabled,
		}
		if r.ID == "" {
			r.ID = fmt.Sprintf("file-%d", i+1)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Watcher keeps an up-to-date copy of a rule file.
type Watcher struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []Rule

	watcher  *fsnotify.Watcher
	onChange []func([]Rule)
	errChan  chan error
	cancel   context.CancelFunc
}

// NewWatcher loads path once and returns a watcher. Call Watch to follow changes.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		logger:  logger,
		rules:   rules,
		errChan: make(chan error, 1),
	}, nil
}

// Rules returns the current rule set.
func (w *Watcher) Rules() []Rule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Rule, len(w.rules))
	copy(out, w.rules)
	return out
}

// OnChange registers a callback invoked after each successful reload.
// Register callbacks before calling Watch.
func (w *Watcher) OnChange(cb func([]Rule)) {
	w.onChange = append(w.onChange, cb)
}

// Errors returns reload failures. A failed reload keeps the previous rules.
func (w *Watcher) Errors() <-chan error {
	return w.errChan
}

// Watch follows the rule file until ctx is done or Close is called.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace files, so watch the directory.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	w.watcher = fw

	ctx, w.cancel = context.WithCancel(ctx)
	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const delay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(delay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed", "path", w.path, "error", err)
		w.report(fmt.Errorf("reload rules: %w", err))
		return
	}

	w.mu.Lock()
	w.rules = rules
	w.mu.Unlock()

	w.logger.Info("policy rules reloaded", "path", w.path, "rules", len(rules))
	for _, cb := range w.onChange {
		cb(rules)
	}
}

func (w *Watcher) report(err error) {
	select {
	case w.errChan <- err:
	default:
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
