package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgellow/estate-session/internal/config"
	"github.com/dgellow/estate-session/internal/crypto"
	"github.com/dgellow/estate-session/internal/log"
)

// Open builds the backend selected by cfg, wrapped in Encrypted when an
// encryption key is configured.
func Open(ctx context.Context, cfg config.StorageConfig) (KeyValue, error) {
	var kv KeyValue
	switch cfg.Kind {
	case config.StorageMemory:
		kv = NewMemoryStorage()
	case config.StorageFile, "":
		path, err := ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		fs, err := NewFileStorage(path)
		if err != nil {
			return nil, err
		}
		kv = fs
	case config.StorageSQLite:
		path, err := ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		db, err := NewSQLiteStorage(ctx, path)
		if err != nil {
			return nil, err
		}
		kv = db
	case config.StorageFirestore:
		fs, err := NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection)
		if err != nil {
			return nil, err
		}
		kv = fs
	case config.StorageRedis:
		rs, err := NewRedisStorage(ctx, cfg.RedisAddr, string(cfg.RedisPassword), cfg.RedisDB, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		kv = rs
	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Kind)
	}

	log.LogInfoWithFields("storage", "Opened storage", map[string]any{
		"kind":      string(cfg.Kind),
		"encrypted": cfg.EncryptionKey != "",
	})

	if cfg.EncryptionKey == "" {
		return kv, nil
	}
	enc, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return NewEncrypted(kv, enc), nil
}

// ExpandPath resolves a leading "~/" against the user's home directory
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
