package storage

import (
	"context"
	"fmt"

	"github.com/dgellow/estate-session/internal/crypto"
)

var (
	_ KeyValue = (*Encrypted)(nil)
	_ Watcher  = (*Encrypted)(nil)
)

// Encrypted seals every value before it reaches the inner store
type Encrypted struct {
	inner     KeyValue
	encryptor crypto.Encryptor
}

// NewEncrypted wraps inner
func NewEncrypted(inner KeyValue, encryptor crypto.Encryptor) *Encrypted {
	return &Encrypted{inner: inner, encryptor: encryptor}
}

// Get decrypts the stored value
func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := e.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", key, err)
	}
	return plain, nil
}

// Put encrypts each value then writes them together
func (e *Encrypted) Put(ctx context.Context, values map[string][]byte) error {
	sealed := make(map[string][]byte, len(values))
	for k, v := range values {
		s, err := e.encryptor.Encrypt(v)
		if err != nil {
			return fmt.Errorf("encrypting %s: %w", k, err)
		}
		sealed[k] = s
	}
	return e.inner.Put(ctx, sealed)
}

// Delete passes through
func (e *Encrypted) Delete(ctx context.Context, keys ...string) error {
	return e.inner.Delete(ctx, keys...)
}

// Close closes the inner store
func (e *Encrypted) Close() error {
	return e.inner.Close()
}

// Watch delegates to the inner store when it supports watching
func (e *Encrypted) Watch(ctx context.Context, fn func()) error {
	w, ok := e.inner.(Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, fn)
}
