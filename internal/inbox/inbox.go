// Package inbox watches a drop directory for session batch files and hands
// each one to a handler once it has stopped changing.
//
// Successful results are written to the outcomes subdirectory under the
// batch's file name and the batch is removed. Batches the handler rejects
// are moved to the rejected subdirectory untouched.
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Subdirectories created under the inbox.
const (
	OutcomesDir = "outcomes"
	RejectedDir = "rejected"
)

// DefaultSettle is how long a file must stay unchanged before it is read.
const DefaultSettle = time.Second

// Batch is a settled file read from the inbox.
type Batch struct {
	Path   string
	Name   string
	Data   []byte
	Digest string
	Read   time.Time
}

// Handler processes one batch and returns the bytes to store as its outcome.
type Handler func(ctx context.Context, b Batch) ([]byte, error)

// Watcher monitors one inbox directory.
type Watcher struct {
	dir    string
	settle time.Duration
	logger *slog.Logger

	fsWatcher *fsnotify.Watcher

	// path -> last observed change
	pending   map[string]time.Time
	pendingMu sync.Mutex

	batches chan Batch
	errors  chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for dir, creating it and its subdirectories when
// missing. A non-positive settle uses DefaultSettle.
func New(dir string, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, filepath.Join(dir, OutcomesDir), filepath.Join(dir, RejectedDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("create inbox directory: %w", err)
		}
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Watcher{
		dir:       dir,
		settle:    settle,
		logger:    logger,
		fsWatcher: fsWatcher,
		pending:   make(map[string]time.Time),
		batches:   make(chan Batch, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Batches returns settled batches.
func (w *Watcher) Batches() <-chan Batch {
	return w.batches
}

// Errors returns read and watch failures.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Pending returns the number of files waiting to settle.
func (w *Watcher) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

// Start watches the inbox. Batch files already present are queued too.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isBatch(entry.Name()) {
			w.touch(filepath.Join(w.dir, entry.Name()), time.Time{})
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.batches)
	close(w.errors)
	return w.fsWatcher.Close()
}

func isBatch(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

func (w *Watcher) touch(path string, at time.Time) {
	w.pendingMu.Lock()
	w.pending[path] = at
	w.pendingMu.Unlock()
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isBatch(filepath.Base(event.Name)) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			w.touch(event.Name, time.Now())

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	tick := w.settle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.collect(now)
		}
	}
}

// collect reads files unchanged for the settle interval. The lock is not
// held while reading.
func (w *Watcher) collect(now time.Time) {
	cutoff := now.Add(-w.settle)

	type candidate struct {
		path    string
		changed time.Time
	}
	var ready []candidate
	w.pendingMu.Lock()
	for path, changed := range w.pending {
		if changed.Before(cutoff) {
			ready = append(ready, candidate{path, changed})
		}
	}
	w.pendingMu.Unlock()

	for _, c := range ready {
		data, err := os.ReadFile(c.path)

		w.pendingMu.Lock()
		current, tracked := w.pending[c.path]
		if !tracked || !current.Equal(c.changed) {
			// Changed again while reading; wait for it to settle.
			w.pendingMu.Unlock()
			continue
		}
		if err != nil {
			delete(w.pending, c.path)
			w.pendingMu.Unlock()
			if !errors.Is(err, os.ErrNotExist) {
				w.report(fmt.Errorf("read batch: %w", err))
			}
			continue
		}

		sum := sha256.Sum256(data)
		b := Batch{
			Path:   c.path,
			Name:   filepath.Base(c.path),
			Data:   data,
			Digest: hex.EncodeToString(sum[:]),
			Read:   now,
		}
		select {
		case w.batches <- b:
			delete(w.pending, c.path)
		default:
			// Consumer is behind; retry on the next tick.
		}
		w.pendingMu.Unlock()
	}
}

// Run starts the watcher and feeds every batch to handle until ctx is done.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-w.batches:
			w.process(ctx, handle, b)
		case err := <-w.errors:
			w.logger.Warn("inbox error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) process(ctx context.Context, handle Handler, b Batch) {
	out, err := handle(ctx, b)
	if err != nil {
		w.logger.Warn("batch rejected", "file", b.Name, "digest", b.Digest[:12], "error", err)
		if err := os.Rename(b.Path, filepath.Join(w.dir, RejectedDir, b.Name)); err != nil {
			w.logger.Error("move rejected batch", "file", b.Name, "error", err)
		}
		return
	}

	dst := filepath.Join(w.dir, OutcomesDir, b.Name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		w.logger.Error("write outcome", "file", b.Name, "error", err)
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		w.logger.Error("commit outcome", "file", b.Name, "error", err)
		return
	}
	if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("remove processed batch", "file", b.Name, "error", err)
	}
	w.logger.Debug("batch processed", "file", b.Name)
}
