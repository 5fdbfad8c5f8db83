package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/envutil"
	"github.com/dgellow/estate-session/internal/log"
)

// secretFields lists values that must come from the environment, per section
var secretFields = map[string][]string{
	"identity": {"clientSecret"},
	"storage":  {"encryptionKey", "redisPassword"},
	"shell":    {"stateSecret"},
}

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, resolves and validates config bytes
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if version != SupportedVersion {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// validateRawConfig rejects inline secrets before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	if envutil.IsDev() {
		return nil
	}
	for section, fields := range secretFields {
		values, ok := rawConfig[section].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fields {
			value, exists := values[field]
			if !exists {
				continue
			}
			if _, isString := value.(string); isString {
				return fmt.Errorf("%s.%s must use environment variable reference for security", section, field)
			}
			if refMap, isMap := value.(map[string]any); isMap {
				if _, hasEnv := refMap["$env"]; !hasEnv {
					return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", section, field)
				}
			}
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = DefaultAPITimeout
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = cfg.API.BaseURL
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultBackendTimeout
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = StorageFile
	}
	if cfg.Storage.Kind == StorageFirestore && cfg.Storage.FirestoreCollection == "" {
		cfg.Storage.FirestoreCollection = DefaultFirestoreColl
	}
	if cfg.Storage.Kind == StorageRedis && cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Refresh.Interval == 0 && !cfg.Refresh.Disabled {
		cfg.Refresh.Interval = DefaultRefreshInterval
	}
	if cfg.Shell.Addr == "" {
		cfg.Shell.Addr = DefaultShellAddr
	}
	if cfg.Shell.BaseURL == "" {
		cfg.Shell.BaseURL = "http://" + cfg.Shell.Addr
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(cfg *Config) error {
	if err := validateURL(cfg.API.BaseURL, "api.baseURL"); err != nil {
		return err
	}
	if err := validateURL(cfg.Backend.BaseURL, "backend.baseURL"); err != nil {
		return err
	}
	if err := validateIdentity(&cfg.Identity); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}
	if err := validateStorage(&cfg.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := validateShell(&cfg.Shell); err != nil {
		return fmt.Errorf("shell config: %w", err)
	}
	if !cfg.Refresh.Disabled && cfg.Refresh.Interval < DefaultRefreshInterval/10 {
		log.LogWarn("Refresh interval %s is very short; every tick mints a provider token", cfg.Refresh.Interval)
	}
	return nil
}

func validateURL(raw, field string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	if u.Scheme != "https" && !envutil.IsDev() && !isLoopback(u.Hostname()) {
		return fmt.Errorf("%s must use https", field)
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func validateIdentity(c *IdentityConfig) error {
	switch c.Provider {
	case ProviderGoogle:
	case ProviderOIDC:
		if c.DiscoveryURL == "" && (c.AuthorizationURL == "" || c.TokenURL == "" || c.UserInfoURL == "") {
			return fmt.Errorf("oidc provider requires discoveryUrl or all of authorizationUrl, tokenUrl, userInfoUrl")
		}
	case "":
		return fmt.Errorf("provider is required")
	default:
		return fmt.Errorf("unknown provider type: %s", c.Provider)
	}
	if c.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Kind {
	case StorageMemory:
		if s.Watch {
			return fmt.Errorf("watch is not supported for memory storage")
		}
	case StorageFile, StorageSQLite:
		if s.Path == "" {
			return fmt.Errorf("path is required for %s storage", s.Kind)
		}
		if s.Watch && s.Kind != StorageFile {
			return fmt.Errorf("watch is only supported for file storage")
		}
	case StorageFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	case StorageRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required when using redis storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s", s.Kind)
	}
	if s.EncryptionKey != "" && len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(s.EncryptionKey))
	}
	if s.EncryptionKey == "" && s.Kind != StorageMemory {
		log.LogWarn("Storage %s has no encryptionKey; credentials are stored in plaintext", s.Kind)
	}
	return nil
}

func validateShell(s *ShellConfig) error {
	if s.StateSecret != "" && len(s.StateSecret) < 32 {
		return fmt.Errorf("stateSecret must be at least 32 characters (got %d)", len(s.StateSecret))
	}
	seen := make(map[string]bool)
	for i, route := range s.Routes {
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("routes[%d].path must start with /", i)
		}
		if seen[route.Path] {
			return fmt.Errorf("routes[%d].path %s is duplicated", i, route.Path)
		}
		seen[route.Path] = true
		if route.Require == "authenticated" {
			continue
		}
		if _, err := account.ParseRole(route.Require); err != nil || route.Require == "" {
			return fmt.Errorf("routes[%d].require must be authenticated, guest, user, agent or admin", i)
		}
	}
	return nil
}

// Default returns the config written by `config init`
func Default() map[string]any {
	return map[string]any{
		"version": SupportedVersion,
		"api": map[string]any{
			"baseURL":             "https://api.estate.example.com",
			"timeout":             "30s",
			"preferProviderToken": true,
		},
		"identity": map[string]any{
			"provider":     "google",
			"clientId":     map[string]string{"$env": "GOOGLE_CLIENT_ID"},
			"clientSecret": map[string]string{"$env": "GOOGLE_CLIENT_SECRET"},
			"redirectUri":  "http://127.0.0.1:7777/oauth/callback",
		},
		"storage": map[string]any{
			"kind":          "file",
			"path":          "~/.estate-session/credentials.json",
			"encryptionKey": map[string]string{"$env": "ESTATE_SESSION_ENCRYPTION_KEY"},
			"watch":         true,
		},
		"refresh": map[string]any{
			"interval": "10m",
		},
		"shell": map[string]any{
			"addr":        DefaultShellAddr,
			"stateSecret": map[string]string{"$env": "ESTATE_SESSION_STATE_SECRET"},
			"routes": []map[string]string{
				{"path": "/dashboard", "require": "authenticated"},
				{"path": "/wishlist", "require": "user"},
				{"path": "/agent/properties", "require": "agent"},
				{"path": "/admin/users", "require": "admin"},
			},
		},
	}
}
