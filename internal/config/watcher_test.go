package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
detector:
  wake_words: ["hey earshot"]
providers:
  stt:
    name: deepgram
`

const watcherUpdatedYAML = `
server:
  log_level: debug
detector:
  wake_words: ["hey earshot", "computer"]
providers:
  stt:
    name: deepgram
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// touch sets an explicit mtime so changes are visible on coarse filesystems.
func touch(t *testing.T, path string, at time.Time) {
	t.Helper()
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (r *changeRecorder) record(old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_Check(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	base := time.Now().Add(-time.Hour)
	touch(t, path, base)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if w.Check() {
		t.Error("Check on an untouched file should not reload")
	}

	// Touched but identical content.
	touch(t, path, base.Add(time.Minute))
	if w.Check() {
		t.Error("identical content should not reload")
	}

	// Invalid content keeps the previous config.
	writeFile(t, path, watcherInvalidYAML)
	touch(t, path, base.Add(2*time.Minute))
	if w.Check() {
		t.Error("invalid content should not reload")
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("LogLevel after invalid write = %q, want info", got)
	}

	writeFile(t, path, watcherUpdatedYAML)
	touch(t, path, base.Add(3*time.Minute))
	if !w.Check() {
		t.Fatal("valid change should reload")
	}
	if rec.count() != 1 {
		t.Fatalf("onChange calls = %d, want 1", rec.count())
	}
	old, new := rec.calls[0][0], rec.calls[0][1]
	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("callback got %q -> %q", old.Server.LogLevel, new.Server.LogLevel)
	}
	if w.Current() != new {
		t.Error("Current should return the reloaded config")
	}
	if d := config.Diff(old, new); !d.WakeWordsChanged {
		t.Error("diff should report the new wake word")
	}
}

func TestWatcher_Run(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	base := time.Now().Add(-time.Hour)
	touch(t, path, base)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML)
	touch(t, path, base.Add(time.Minute))

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
