package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAddRootWatchesExistingSubdirectories(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Stop()

	if err := m.AddRoot(root); err != nil {
		t.Fatalf("add root: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if err := os.WriteFile(filepath.Join(sub, "f.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-m.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a change event")
	}

	ev, ok := m.PopEvent()
	if !ok {
		t.Fatalf("expected a queued event")
	}
	if ev.Root != root {
		t.Fatalf("expected root %q, got %q", root, ev.Root)
	}
	if filepath.Base(ev.Relative) != "f.txt" {
		t.Fatalf("expected relative path ending in f.txt, got %q", ev.Relative)
	}
}

func TestAddRootDetectsNewSubdirectory(t *testing.T) {
	root := t.TempDir()

	m, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer m.Stop()

	if err := m.AddRoot(root); err != nil {
		t.Fatalf("add root: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	newDir := filepath.Join(root, "newdir")
	if err := os.Mkdir(newDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	select {
	case <-m.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a directory-create event")
	}

	time.Sleep(50 * time.Millisecond) // let addDir's watcher.Add land before the next write
	if err := os.WriteFile(filepath.Join(newDir, "g.txt"), []byte("y"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if ev, ok := m.PopEvent(); ok && filepath.Base(ev.Relative) == "g.txt" {
			return
		}
		select {
		case <-m.Ready():
		case <-deadline:
			t.Fatalf("never observed an event under the newly created subdirectory")
		}
	}
}
