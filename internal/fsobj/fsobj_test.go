//go:build !windows

package fsobj

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStatSameFileIsStable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	a, err := Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	b, err := Stat(p)
	if err != nil {
		t.Fatalf("stat again: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("identity changed across two stats of the same untouched file: %+v vs %+v", a, b)
	}
}

func TestStatChangesOnRewrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	before, err := Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// Force the mtime forward so this isn't flaky on filesystems with
	// coarse timestamp granularity.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(p, []byte("goodbye"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(p, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	after, err := Stat(p)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if before.Equal(after) {
		t.Fatalf("expected identity to change after mtime bump, got same: %+v", before)
	}
	if !before.SameEntity(after) {
		t.Fatalf("expected same (dev,ino) across a content rewrite, got different entities")
	}
}
