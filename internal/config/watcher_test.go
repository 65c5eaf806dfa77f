package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
conversation:
  system_script: Du bist ein Kronleuchter.
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
conversation:
  system_script: Du bist eine Stehlampe.
light:
  idle_max: 60
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

// rewrite replaces the file and moves its mtime forward so coarse
// filesystem timestamps still register a change.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// callRecorder collects watcher callbacks.
type callRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	ch    chan struct{}
}

func newCallRecorder() *callRecorder {
	return &callRecorder{ch: make(chan struct{}, 8)}
}

func (r *callRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *callRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startWatcher(t *testing.T, path string, onChange func(old, new *config.Config)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange,
		config.WithInterval(20*time.Millisecond),
		config.WithGetenv(func(string) string { return "" }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w := startWatcher(t, cfgPath, nil)
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Playback.Rate != config.DefaultRate {
		t.Errorf("defaults not applied: rate %v", cfg.Playback.Rate)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallRecorder()
	w := startWatcher(t, cfgPath, rec.onChange)
	rewrite(t, cfgPath, watcherUpdatedYAML, time.Second)

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	rec.mu.Lock()
	old, cur := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	if old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q, want %q", old.Server.LogLevel, config.LogInfo)
	}
	if cur.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
	d := config.Diff(old, cur)
	if !d.SystemScriptChanged || !d.LightChanged {
		t.Errorf("diff: got %+v, want system script and light changes", d)
	}
	if got := w.Current(); got != cur {
		t.Error("Current() should return the new config")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallRecorder()
	w := startWatcher(t, cfgPath, rec.onChange)
	rewrite(t, cfgPath, watcherInvalidYAML, time.Second)

	time.Sleep(200 * time.Millisecond)

	if calls := rec.count(); calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}

	// A later valid edit is still picked up.
	rewrite(t, cfgPath, watcherUpdatedYAML, 2*time.Second)
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit after an invalid one was not applied")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_RunStopsWithContext(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	rec := newCallRecorder()
	startWatcher(t, cfgPath, rec.onChange)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if calls := rec.count(); calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}
