// Package home resolves the backupcore home directory: the one place on
// disk the client keeps its own state (configuration file, FS cache
// database).
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a backupcore home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/backupcore
//   - macOS:   ~/Library/Application Support/backupcore
//   - Windows: %APPDATA%/backupcore
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "backupcore")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
