package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgellow/estate-session/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name      string
		cfg       config.StorageConfig
		wantType  any
		wantError string
	}{
		{name: "memory", cfg: config.StorageConfig{Kind: config.StorageMemory}, wantType: &MemoryStorage{}},
		{name: "file", cfg: config.StorageConfig{Kind: config.StorageFile, Path: filepath.Join(dir, "c.json")}, wantType: &FileStorage{}},
		{name: "sqlite", cfg: config.StorageConfig{Kind: config.StorageSQLite, Path: filepath.Join(dir, "db", "c.db")}, wantType: &SQLiteStorage{}},
		{
			name: "encrypted file",
			cfg: config.StorageConfig{
				Kind:          config.StorageFile,
				Path:          filepath.Join(dir, "e.json"),
				EncryptionKey: config.Secret("0123456789abcdef0123456789abcdef"),
			},
			wantType: &Encrypted{},
		},
		{
			name:      "bad key",
			cfg:       config.StorageConfig{Kind: config.StorageMemory, EncryptionKey: config.Secret("short")},
			wantError: "creating encryptor",
		},
		{name: "unknown", cfg: config.StorageConfig{Kind: "s3"}, wantError: "unknown storage kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, err := Open(ctx, tt.cfg)
			if tt.wantError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantError)
				return
			}
			require.NoError(t, err)
			defer kv.Close()
			assert.IsType(t, tt.wantType, kv)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/.estate-session/credentials.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".estate-session", "credentials.json"), got)

	got, err = ExpandPath("/etc/estate.json")
	require.NoError(t, err)
	assert.Equal(t, "/etc/estate.json", got)
}
