// Package coord declares the coordination store every cross-process
// governance primitive is built on. A store offers versioned values with
// compare-and-swap, unconditional durable writes, and prefix listing; the
// same lock and throttle logic runs unchanged on any backend.
package coord

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("coordination store is closed")

// ErrInvalidKey rejects empty keys.
var ErrInvalidKey = errors.New("coordination key must not be empty")

// Entry is a stored value plus its version. Versions are positive, change on
// every successful write and are never handed out twice by one store, even
// after a key is deleted and created again. Callers only compare them for
// equality.
type Entry struct {
	Value   []byte
	Version int64
}

// Store is the coordination substrate shared by every cooperating process.
// A lost compare-and-swap race is reported as false, never as an error;
// errors always mean the substrate itself failed.
type Store interface {
	// Get loads a key. The boolean is false when the key is absent.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// CompareAndSwap writes value iff the current version equals expected.
	// expected == 0 means the key must not exist yet.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (bool, error)
	// CompareAndDelete removes the key iff the current version equals expected.
	CompareAndDelete(ctx context.Context, key string, expected int64) (bool, error)
	// Put writes value regardless of the current version.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Close releases backend resources.
	Close() error
}

// ValidateKey rejects keys the backends cannot address.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
