package config_test

import (
	"context"
	"testing"

	"backupcore/internal/config"
	"backupcore/internal/config/memory"
)

func TestDefaultOptions(t *testing.T) {
	opts := config.DefaultOptions()
	if opts.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", opts.Workers)
	}
	if opts.Debounce <= 0 {
		t.Errorf("expected positive debounce, got %v", opts.Debounce)
	}
	if opts.MaxChunkSize <= 0 {
		t.Errorf("expected positive max chunk size, got %d", opts.MaxChunkSize)
	}
	if len(opts.Roots) != 0 {
		t.Errorf("expected no default roots, got %v", opts.Roots)
	}
}

func TestBootstrap(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	// Before bootstrap, Load returns nil.
	opts, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts != nil {
		t.Fatal("expected nil before bootstrap")
	}

	if err := config.Bootstrap(ctx, s); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	opts, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if opts == nil {
		t.Fatal("expected options after bootstrap, got nil")
	}
	if opts.Workers != config.DefaultOptions().Workers {
		t.Errorf("expected default workers, got %d", opts.Workers)
	}
}

func TestBootstrapIsANoOpOnceConfigured(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	custom := &config.Options{Roots: []string{"/srv/data"}, Workers: 9}
	if err := s.Save(ctx, custom); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := config.Bootstrap(ctx, s); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Workers != 9 || len(got.Roots) != 1 || got.Roots[0] != "/srv/data" {
		t.Errorf("Bootstrap overwrote existing config: %+v", got)
	}
}
