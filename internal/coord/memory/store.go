// Package memory provides an in-process coordination store. One instance can
// be shared by several lock managers or registries to stand in for several
// processes.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/crawl-governor/internal/coord"
)

// Store keeps versioned entries in a mutex-guarded map. Versions come from
// one store-wide counter, so a deleted and recreated key never reuses one.
type Store struct {
	mu      sync.RWMutex
	entries map[string]coord.Entry
	version int64
	closed  bool
}

var _ coord.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]coord.Entry)}
}

// Get returns a copy of the entry for key.
func (s *Store) Get(_ context.Context, key string) (coord.Entry, bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return coord.Entry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return coord.Entry{}, false, coord.ErrClosed
	}
	entry, ok := s.entries[key]
	if !ok {
		return coord.Entry{}, false, nil
	}
	return coord.Entry{Value: bytes.Clone(entry.Value), Version: entry.Version}, true, nil
}

// CompareAndSwap writes value when the stored version equals expected.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected int64, value []byte) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	current, ok := s.entries[key]
	switch {
	case expected == 0 && ok:
		return false, nil
	case expected != 0 && (!ok || current.Version != expected):
		return false, nil
	}
	s.entries[key] = coord.Entry{Value: bytes.Clone(value), Version: s.nextVersion()}
	return true, nil
}

func (s *Store) nextVersion() int64 {
	s.version++
	return s.version
}

// CompareAndDelete removes key when the stored version equals expected.
func (s *Store) CompareAndDelete(_ context.Context, key string, expected int64) (bool, error) {
	if err := coord.ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coord.ErrClosed
	}
	current, ok := s.entries[key]
	if !ok || current.Version != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Put writes value unconditionally.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	s.entries[key] = coord.Entry{Value: bytes.Clone(value), Version: s.nextVersion()}
	return nil
}

// Delete removes key if present.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := coord.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return coord.ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// List returns sorted keys with the given prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, coord.ErrClosed
	}
	keys := make([]string, 0)
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed; later calls fail with coord.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
