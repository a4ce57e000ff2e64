// Package file provides a file-based config.Store implementation.
//
// Options are persisted as a versioned JSON envelope:
//
//	{"version": 1, "options": { ... }}
//
// Save loads nothing first: it always overwrites the whole file, written
// atomically via temp file + rename with round-trip validation.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"backupcore/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int             `json:"version"`
	Options *config.Options `json:"options"`
}

// Store is a file-based config.Store implementation. Options are
// persisted as JSON for human readability.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore creates a file-based Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads Options from disk. Returns nil, nil if the file doesn't
// exist yet.
func (s *Store) Load(ctx context.Context) (*config.Options, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file detected; delete %s and restart to bootstrap a fresh one", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Version < currentVersion {
		data, err = migrate(s.path, data, env.Version)
		if err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("parse migrated config: %w", err)
		}
	}

	return env.Options, nil
}

// Save atomically writes opts to disk, replacing any previous content.
func (s *Store) Save(ctx context.Context, opts *config.Options) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	env := envelope{Version: currentVersion, Options: opts}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation before committing.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
