package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// SupportedVersion is the config file version understood by Load
const SupportedVersion = "v0.1"

const (
	DefaultAPITimeout      = 30 * time.Second
	DefaultBackendTimeout  = 15 * time.Second
	DefaultRefreshInterval = 10 * time.Minute
	DefaultShellAddr       = "127.0.0.1:7777"
	DefaultFirestoreColl   = "estate_session_kv"
	DefaultRedisKeyPrefix  = "estate-session:"
)

// ProviderType names an identity provider implementation
type ProviderType string

const (
	ProviderGoogle ProviderType = "google"
	ProviderOIDC   ProviderType = "oidc"
)

// StorageKind selects the durable storage backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFile      StorageKind = "file"
	StorageSQLite    StorageKind = "sqlite"
	StorageFirestore StorageKind = "firestore"
	StorageRedis     StorageKind = "redis"
)

// APIConfig configures the protected marketplace REST API
type APIConfig struct {
	BaseURL string        `json:"baseURL"`
	Timeout time.Duration `json:"timeout"`
	// PreferProviderToken attaches a freshly minted provider token to each
	// request when the provider has an active session, instead of the cached one.
	PreferProviderToken bool `json:"preferProviderToken"`
}

// IdentityConfig configures the identity provider adapter
type IdentityConfig struct {
	Provider         ProviderType `json:"provider"`
	ClientID         string       `json:"clientId"`
	ClientSecret     Secret       `json:"clientSecret"`
	RedirectURI      string       `json:"redirectUri"`
	DiscoveryURL     string       `json:"discoveryUrl,omitempty"`
	AuthorizationURL string       `json:"authorizationUrl,omitempty"`
	TokenURL         string       `json:"tokenUrl,omitempty"`
	UserInfoURL      string       `json:"userInfoUrl,omitempty"`
	Scopes           []string     `json:"scopes,omitempty"`
}

// BackendConfig configures the verification collaborator (POST /auth/<provider>)
type BackendConfig struct {
	BaseURL string        `json:"baseURL"`
	Timeout time.Duration `json:"timeout"`
}

// StorageConfig configures durable key/value storage for credentials
type StorageConfig struct {
	Kind                StorageKind `json:"kind"`
	Path                string      `json:"path,omitempty"`
	EncryptionKey       Secret      `json:"encryptionKey,omitempty"`
	GCPProject          string      `json:"gcpProject,omitempty"`
	FirestoreDatabase   string      `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string      `json:"firestoreCollection,omitempty"`
	RedisAddr           string      `json:"redisAddr,omitempty"`
	RedisPassword       Secret      `json:"redisPassword,omitempty"`
	RedisDB             int         `json:"redisDB,omitempty"`
	KeyPrefix           string      `json:"keyPrefix,omitempty"`
	// Watch subscribes to changes made by other processes sharing the storage
	Watch bool `json:"watch,omitempty"`
}

// RefreshConfig configures the background token refresh timer
type RefreshConfig struct {
	Interval time.Duration `json:"interval"`
	Disabled bool          `json:"-"`
}

// RouteConfig binds a shell route to an access requirement
type RouteConfig struct {
	Path    string `json:"path"`
	Require string `json:"require"`
}

// ShellConfig configures the local UI shell server
type ShellConfig struct {
	Addr           string        `json:"addr"`
	BaseURL        string        `json:"baseURL"`
	StateSecret    Secret        `json:"stateSecret"`
	AllowedOrigins []string      `json:"allowedOrigins,omitempty"`
	Routes         []RouteConfig `json:"routes,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	API      APIConfig      `json:"api"`
	Identity IdentityConfig `json:"identity"`
	Backend  BackendConfig  `json:"backend"`
	Storage  StorageConfig  `json:"storage"`
	Refresh  RefreshConfig  `json:"refresh"`
	Shell    ShellConfig    `json:"shell"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR_NAME"} reference, resolving the reference immediately.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

func parseOptional(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	v, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return v, nil
}

func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
