package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

// ErrWatchUnsupported is returned by Watch on backends without change notifications
var ErrWatchUnsupported = errors.New("storage backend does not support watching")

// KeyValue is the durable storage consumed by the credential store and the
// identity provider adapter. Values are opaque bytes.
type KeyValue interface {
	// Get returns ErrNotFound when key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes all values; backends that support it apply them atomically
	Put(ctx context.Context, values map[string][]byte) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Watcher is implemented by backends that can observe writes made by other
// processes sharing the same storage. fn is called after each settled change
// until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func()) error
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
