package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"version": "v0.1",
	"api": {"baseURL": "https://api.estate.example.com", "timeout": "5s"},
	"identity": {
		"provider": "google",
		"clientId": {"$env": "TEST_CLIENT_ID"},
		"clientSecret": {"$env": "TEST_CLIENT_SECRET"},
		"redirectUri": "http://127.0.0.1:7777/oauth/callback"
	},
	"storage": {
		"kind": "sqlite",
		"path": "/tmp/estate.db",
		"encryptionKey": {"$env": "TEST_ENCRYPTION_KEY"}
	},
	"refresh": {"interval": "2m"},
	"shell": {
		"stateSecret": {"$env": "TEST_STATE_SECRET"},
		"routes": [
			{"path": "/dashboard", "require": "authenticated"},
			{"path": "/agent/properties", "require": "agent"}
		]
	}
}`

func setTestEnv(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "client-id")
	t.Setenv("TEST_CLIENT_SECRET", "client-secret")
	t.Setenv("TEST_ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_STATE_SECRET", "state-secret-state-secret-state-secret")
}

func TestParse_ValidConfig(t *testing.T) {
	setTestEnv(t)

	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://api.estate.example.com", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
	assert.True(t, cfg.API.PreferProviderToken, "preferProviderToken defaults to true")
	assert.Equal(t, ProviderGoogle, cfg.Identity.Provider)
	assert.Equal(t, "client-id", cfg.Identity.ClientID)
	assert.Equal(t, Secret("client-secret"), cfg.Identity.ClientSecret)
	assert.Equal(t, StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, 2*time.Minute, cfg.Refresh.Interval)
	assert.False(t, cfg.Refresh.Disabled)
	assert.Len(t, cfg.Shell.Routes, 2)

	// Defaults
	assert.Equal(t, cfg.API.BaseURL, cfg.Backend.BaseURL)
	assert.Equal(t, DefaultBackendTimeout, cfg.Backend.Timeout)
	assert.Equal(t, DefaultShellAddr, cfg.Shell.Addr)
	assert.Equal(t, "http://"+DefaultShellAddr, cfg.Shell.BaseURL)
}

func TestParse_Errors(t *testing.T) {
	setTestEnv(t)

	mutate := func(fn func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(validConfig), &m))
		fn(m)
		data, err := json.Marshal(m)
		require.NoError(t, err)
		return data
	}
	section := func(m map[string]any, name string) map[string]any {
		return m[name].(map[string]any)
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{
			name:    "missing version",
			data:    mutate(func(m map[string]any) { delete(m, "version") }),
			wantErr: "version is required",
		},
		{
			name:    "unsupported version",
			data:    mutate(func(m map[string]any) { m["version"] = "v9" }),
			wantErr: "unsupported config version",
		},
		{
			name: "inline client secret",
			data: mutate(func(m map[string]any) {
				section(m, "identity")["clientSecret"] = "plain"
			}),
			wantErr: "identity.clientSecret must use environment variable reference",
		},
		{
			name: "http api url",
			data: mutate(func(m map[string]any) {
				section(m, "api")["baseURL"] = "http://api.estate.example.com"
			}),
			wantErr: "api.baseURL must use https",
		},
		{
			name: "unknown provider",
			data: mutate(func(m map[string]any) {
				section(m, "identity")["provider"] = "github"
			}),
			wantErr: "unknown provider type",
		},
		{
			name: "oidc without endpoints",
			data: mutate(func(m map[string]any) {
				section(m, "identity")["provider"] = "oidc"
			}),
			wantErr: "requires discoveryUrl",
		},
		{
			name: "redis without address",
			data: mutate(func(m map[string]any) {
				section(m, "storage")["kind"] = "redis"
			}),
			wantErr: "redisAddr is required",
		},
		{
			name: "watch on sqlite",
			data: mutate(func(m map[string]any) {
				section(m, "storage")["watch"] = true
			}),
			wantErr: "watch is only supported for file storage",
		},
		{
			name: "negative refresh interval",
			data: mutate(func(m map[string]any) {
				section(m, "refresh")["interval"] = "-1m"
			}),
			wantErr: "cannot be negative",
		},
		{
			name: "bad route requirement",
			data: mutate(func(m map[string]any) {
				section(m, "shell")["routes"] = []map[string]string{{"path": "/x", "require": "owner"}}
			}),
			wantErr: "routes[0].require",
		},
		{
			name: "duplicate route",
			data: mutate(func(m map[string]any) {
				section(m, "shell")["routes"] = []map[string]string{
					{"path": "/x", "require": "user"},
					{"path": "/x", "require": "agent"},
				}
			}),
			wantErr: "duplicated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_ShortEncryptionKey(t *testing.T) {
	setTestEnv(t)
	t.Setenv("TEST_ENCRYPTION_KEY", "too-short")

	_, err := Parse([]byte(validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly 32 characters")
}

func TestParse_MissingEnvVar(t *testing.T) {
	setTestEnv(t)
	t.Setenv("TEST_CLIENT_ID", "")

	_, err := Parse([]byte(validConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_CLIENT_ID not set")
}

func TestParse_DevModeAllowsInlineSecrets(t *testing.T) {
	t.Setenv("ESTATE_SESSION_ENV", "development")

	data := `{
		"version": "v0.1",
		"api": {"baseURL": "http://localhost:8080"},
		"identity": {
			"provider": "oidc",
			"clientId": "dev-client",
			"clientSecret": "dev-secret",
			"redirectUri": "http://127.0.0.1:7777/oauth/callback",
			"discoveryUrl": "http://localhost:9000/.well-known/openid-configuration"
		},
		"storage": {"kind": "memory"},
		"refresh": {"interval": "0"}
	}`

	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, Secret("dev-secret"), cfg.Identity.ClientSecret)
	assert.True(t, cfg.Refresh.Disabled)
	assert.Zero(t, cfg.Refresh.Interval)
}

func TestParse_ExplicitPreferProviderTokenFalse(t *testing.T) {
	setTestEnv(t)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(validConfig), &m))
	m["api"].(map[string]any)["preferProviderToken"] = false
	data, err := json.Marshal(m)
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.False(t, cfg.API.PreferProviderToken)
}

func TestLoad_File(t *testing.T) {
	setTestEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StorageSQLite, cfg.Storage.Kind)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestDefault_IsValidStructure(t *testing.T) {
	data, err := json.Marshal(Default())
	require.NoError(t, err)

	result := ValidateBytes(data)
	assert.True(t, result.IsValid(), "%+v", result.Errors)
}
