package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "vivid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const watcherBase = `
server:
  listen_addr: ":8080"
  log_level: info
redis:
  addr: "localhost:6379"
`

func TestWatcherInitialLoad(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, t.TempDir(), watcherBase)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("log level = %q", got)
	}
}

func TestWatcherInitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, t.TempDir(), "server:\n  log_level: loud\nredis:\n  addr: x\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfigFile(t, dir, watcherBase)

	var mu sync.Mutex
	var gotNew *Config
	onChange := func(old, new *Config) {
		mu.Lock()
		gotNew = new
		mu.Unlock()
	}

	w, err := NewWatcher(path, onChange, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Force a distinct mtime; coarse filesystems round to the second.
	updated := watcherBase + "pipeline:\n  inactivity_seconds: 120\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := gotNew != nil
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never observed the change")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gotNew.Pipeline.InactivitySeconds != 120 {
		t.Errorf("new config inactivity = %d", gotNew.Pipeline.InactivitySeconds)
	}
	if w.Current().Pipeline.InactivitySeconds != 120 {
		t.Errorf("Current() not updated")
	}
}

func TestWatcherKeepsOldOnInvalidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfigFile(t, dir, watcherBase)

	w, err := NewWatcher(path, func(old, new *Config) {
		t.Error("onChange fired for invalid config")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("server:\n  log_level: loud\nredis:\n  addr: x\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := w.Current().Server.LogLevel; got != LogInfo {
		t.Errorf("log level = %q, want the old value", got)
	}
}
