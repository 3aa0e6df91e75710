package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcart.yaml")
	writeConfig(t, path, "provider:\n  name: mock\n")

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Provider.Name; got != "mock" {
		t.Errorf("provider name = %q; want mock", got)
	}
}

func TestWatcher_InvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcart.yaml")
	writeConfig(t, path, "provider:\n  name: \"\"\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher with invalid config should fail")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcart.yaml")
	writeConfig(t, path, "provider:\n  name: mock\n")

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, func(_, new *Config) { changed <- new }, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Force a different mtime on coarse-grained filesystems.
	writeConfig(t, path, "server:\n  log_level: debug\nprovider:\n  name: mock\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != LogDebug {
			t.Errorf("reloaded log level = %q; want debug", cfg.Server.LogLevel)
		}
		if w.Current().Server.LogLevel != LogDebug {
			t.Error("Current() not updated after reload")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never reported the change")
	}
}

func TestWatcher_KeepsPreviousOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcart.yaml")
	writeConfig(t, path, "provider:\n  name: mock\n")

	w, err := NewWatcher(path, func(_, _ *Config) {
		t.Error("onChange fired for an invalid config")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "provider:\n  name: \"\"\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Provider.Name; got != "mock" {
		t.Errorf("Current().Provider.Name = %q; want previous valid config", got)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxcart.yaml")
	writeConfig(t, path, "provider:\n  name: mock\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
