// Package memory provides an in-memory config.Store implementation.
// Intended for tests and for running without a configuration file.
// Options are not persisted across restarts.
package memory

import (
	"context"
	"sync"

	"backupcore/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu   sync.RWMutex
	opts *config.Options
}

var _ config.Store = (*Store)(nil)

// NewStore creates an empty in-memory Store.
func NewStore() *Store {
	return &Store{}
}

// Load returns a copy of the last-saved Options, or nil if Save has never
// been called.
func (s *Store) Load(ctx context.Context) (*config.Options, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.opts == nil {
		return nil, nil
	}
	cp := *s.opts
	return &cp, nil
}

// Save replaces the stored Options with a copy of opts.
func (s *Store) Save(ctx context.Context, opts *config.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *opts
	s.opts = &cp
	return nil
}
