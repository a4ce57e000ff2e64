// Package config declares this system's configuration shape (spec
// component I): a declarative Options struct plus a small Store
// interface for loading and persisting it, with file- and
// memory-backed implementations in the file and memory subpackages.
//
// Store does not:
//   - Watch for live changes (load-on-start only; nothing here is hot-reloaded)
//   - Parse flags (the CLI layer builds Options and calls Save/Load itself)
//   - Validate cross-field consistency beyond what Load/Save themselves need
package config

import (
	"context"
	"time"
)

// Store persists and loads Options.
//
// Store is not on the upload engine's hot path; persistence happens once
// at process start and again only when the CLI explicitly rewrites
// configuration.
type Store interface {
	// Load reads the configuration. Returns a nil Options and a nil error
	// if none has been saved yet.
	Load(ctx context.Context) (*Options, error)

	// Save persists opts, replacing whatever was previously saved.
	Save(ctx context.Context, opts *Options) error
}

// Options describes the desired shape of a running backupcore process.
// It is declarative: what should run, not how it gets built.
type Options struct {
	// Roots is the set of backup root directories, one engine per entry.
	Roots []string

	// Workers is the per-engine worker-pool size (spec.md §5 recommends
	// 2-4). Zero means the engine's own default.
	Workers int

	// Debounce is the CDP scheduler's settling window before a partial
	// backup starts (spec.md §4.6 recommends 5s). Zero means
	// cdp.DefaultDebounce.
	Debounce time.Duration

	// MaxChunkSize bounds a single physical chunk's encoded size
	// (spec.md §4.1). Zero means metatree.DefaultMaxChunkSize.
	MaxChunkSize int

	// CachePath is the FS cache database file.
	CachePath string

	// ObjectStoreBaseURL is the remote object store's HTTP base URL.
	ObjectStoreBaseURL string

	// DeviceID identifies this device to the object store, both as the
	// JWT subject and the snapshot path segment.
	DeviceID string

	// DeviceSecret is the HMAC key backing the device's bearer tokens.
	// Real device registration (provisioning this secret) is out of
	// scope; it is expected to already exist on disk or in the
	// environment by the time Options is loaded.
	DeviceSecret string

	// Exclusions are always-skipped file/directory names, applied on top
	// of any runtime filter (engine.WithExclusions).
	Exclusions []string
}
