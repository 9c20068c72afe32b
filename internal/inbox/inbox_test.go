package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewCreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")

	w, err := New(dir, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.fsWatcher.Close()

	for _, sub := range []string{"", OutcomesDir, RejectedDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %q", sub)
		}
	}
	if w.Dir() != dir {
		t.Errorf("expected dir %s, got %s", dir, w.Dir())
	}
	if w.Pending() != 0 {
		t.Errorf("expected 0 pending files before start, got %d", w.Pending())
	}
}

func TestIsBatch(t *testing.T) {
	cases := map[string]bool{
		"s1.json":      true,
		"s1.json.tmp":  false,
		".hidden.json": false,
		"notes.txt":    false,
	}
	for name, want := range cases {
		if got := isBatch(name); got != want {
			t.Errorf("isBatch(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestExistingFilesQueued(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "early.json"), []byte(`{}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte(`x`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := New(dir, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	select {
	case b := <-w.Batches():
		if b.Name != "early.json" {
			t.Errorf("expected early.json, got %s", b.Name)
		}
		if string(b.Data) != `{}` {
			t.Errorf("unexpected data %q", b.Data)
		}
		if len(b.Digest) != 64 {
			t.Errorf("expected hex sha256 digest, got %q", b.Digest)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for existing batch")
	}
}

func TestSettleDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 300*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "burst.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"v":`+string(rune('0'+i))+`}`), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	count := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case b := <-w.Batches():
			count++
			if count > 1 {
				t.Fatal("expected one batch after the writes settle")
			}
			if string(b.Data) != `{"v":4}` {
				t.Errorf("expected final content, got %q", b.Data)
			}
		case <-timeout:
			if count != 1 {
				t.Errorf("expected 1 batch, got %d", count)
			}
			return
		}
	}
}

func waitFor(t *testing.T, path string) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", path)
	return nil
}

func TestRunWritesOutcomesAndRejects(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(_ context.Context, b Batch) ([]byte, error) {
			if strings.HasPrefix(b.Name, "bad") {
				return nil, errors.New("bad batch")
			}
			return []byte("scored:" + string(b.Data)), nil
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "good.json"), []byte("1"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("2"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if got := string(waitFor(t, filepath.Join(dir, OutcomesDir, "good.json"))); got != "scored:1" {
		t.Errorf("unexpected outcome %q", got)
	}
	if got := string(waitFor(t, filepath.Join(dir, RejectedDir, "bad.json"))); got != "2" {
		t.Errorf("rejected batch should be moved untouched, got %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop")
	}

	if _, err := os.Stat(filepath.Join(dir, "good.json")); !os.IsNotExist(err) {
		t.Error("processed batch should be removed")
	}
}
