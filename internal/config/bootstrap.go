package config

import (
	"context"

	"backupcore/internal/cdp"
	"backupcore/internal/metatree"
)

// DefaultOptions returns sane first-run defaults. Roots and the
// object-store/device fields are left empty: there is no reasonable
// default for what to back up or where to send it, so the caller (the
// CLI) must fill those in before Save.
func DefaultOptions() *Options {
	return &Options{
		Workers:      4,
		Debounce:     cdp.DefaultDebounce,
		MaxChunkSize: metatree.DefaultMaxChunkSize,
	}
}

// Bootstrap writes DefaultOptions to store if it holds nothing yet.
// Call this once at process start before Load.
func Bootstrap(ctx context.Context, store Store) error {
	existing, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return store.Save(ctx, DefaultOptions())
}
