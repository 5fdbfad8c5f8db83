package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgellow/estate-session/internal/log"
	"github.com/fsnotify/fsnotify"
)

var (
	_ KeyValue = (*FileStorage)(nil)
	_ Watcher  = (*FileStorage)(nil)
)

// watchDebounce collapses the burst of events produced by one rename-based write
const watchDebounce = 500 * time.Millisecond

// FileStorage keeps all keys in one JSON document on disk. Writes go to a
// temporary file that is renamed over the original, so readers in other
// processes see either the old or the new document.
type FileStorage struct {
	path string

	mu          sync.Mutex
	lastWritten []byte
}

// NewFileStorage creates a file-backed store at path, creating the parent
// directory with 0700 permissions.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

// Path returns the backing file
func (s *FileStorage) Path() string {
	return s.path
}

func (s *FileStorage) read() (map[string][]byte, []byte, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string][]byte), nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	values := make(map[string][]byte)
	if len(bytes.TrimSpace(raw)) == 0 {
		return values, raw, nil
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, raw, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return values, raw, nil
}

func (s *FileStorage) write(values map[string][]byte) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding storage file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	s.lastWritten = data
	return nil
}

// Get reads key from the current file contents
func (s *FileStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, _, err := s.read()
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put merges values into the file in a single rename
func (s *FileStorage) Put(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _, err := s.read()
	if err != nil {
		// A corrupt document is replaced rather than blocking every write
		log.LogWarnWithFields("storage", "Replacing unreadable storage file", map[string]any{
			"path":  s.path,
			"error": err.Error(),
		})
		current = make(map[string][]byte)
	}
	for k, v := range values {
		current[k] = cloneBytes(v)
	}
	return s.write(current)
}

// Delete removes keys, rewriting the file only when something changed
func (s *FileStorage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _, err := s.read()
	if err != nil {
		current = make(map[string][]byte)
	}
	changed := err != nil
	for _, k := range keys {
		if _, ok := current[k]; ok {
			delete(current, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.write(current)
}

// Close is a no-op; watchers stop with their context
func (s *FileStorage) Close() error {
	return nil
}

// Watch calls fn when another process rewrites the file. Events caused by
// this instance's own writes are ignored.
func (s *FileStorage) Watch(ctx context.Context, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory: rename replaces the inode, which drops a file watch
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	reload := make(chan struct{}, 1)
	go s.handleWatcher(ctx, watcher, reload)
	go s.scheduleReload(ctx, reload, fn)
	return nil
}

func (s *FileStorage) handleWatcher(ctx context.Context, watcher *fsnotify.Watcher, reload chan<- struct{}) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.LogWarnWithFields("storage", "File watcher error", map[string]any{
				"path":  s.path,
				"error": err.Error(),
			})
		}
	}
}

func (s *FileStorage) scheduleReload(ctx context.Context, reload <-chan struct{}, fn func()) {
	var timer *time.Timer
	var c <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-reload:
			if timer != nil {
				timer.Reset(watchDebounce)
			} else {
				timer = time.NewTimer(watchDebounce)
				c = timer.C
			}
		case <-c:
			c = nil
			timer = nil
			if s.isOwnWrite() {
				continue
			}
			log.LogDebugWithFields("storage", "Storage file changed externally", map[string]any{
				"path": s.path,
			})
			fn()
		}
	}
}

func (s *FileStorage) isOwnWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s.lastWritten == nil
	}
	return err == nil && s.lastWritten != nil && bytes.Equal(raw, s.lastWritten)
}
