package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReportsManifestChanges(t *testing.T) {
	home := t.TempDir()
	manifests := t.TempDir()

	w := NewWatcher(home, manifests, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(manifests, "echo.json")
	if err := os.WriteFile(path, []byte(`{"name":"echo"}`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for manifest change event")
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := NewWatcher(t.TempDir(), "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed events channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for events channel to close")
	}
}
