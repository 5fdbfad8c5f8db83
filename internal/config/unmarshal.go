package config

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON implements custom unmarshaling for APIConfig
func (a *APIConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL             json.RawMessage `json:"baseURL"`
		Timeout             string          `json:"timeout"`
		PreferProviderToken *bool           `json:"preferProviderToken"` // Pointer to detect explicit false
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	baseURL, err := parseOptional(raw.BaseURL, "baseURL")
	if err != nil {
		return err
	}
	a.BaseURL = baseURL

	if a.Timeout, err = parseDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}

	a.PreferProviderToken = true
	if raw.PreferProviderToken != nil {
		a.PreferProviderToken = *raw.PreferProviderToken
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for IdentityConfig
func (c *IdentityConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Provider         ProviderType    `json:"provider"`
		ClientID         json.RawMessage `json:"clientId"`
		ClientSecret     json.RawMessage `json:"clientSecret"`
		RedirectURI      json.RawMessage `json:"redirectUri"`
		DiscoveryURL     string          `json:"discoveryUrl"`
		AuthorizationURL string          `json:"authorizationUrl"`
		TokenURL         string          `json:"tokenUrl"`
		UserInfoURL      string          `json:"userInfoUrl"`
		Scopes           []string        `json:"scopes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Provider = raw.Provider
	c.DiscoveryURL = raw.DiscoveryURL
	c.AuthorizationURL = raw.AuthorizationURL
	c.TokenURL = raw.TokenURL
	c.UserInfoURL = raw.UserInfoURL
	c.Scopes = raw.Scopes

	var err error
	if c.ClientID, err = parseOptional(raw.ClientID, "clientId"); err != nil {
		return err
	}
	secret, err := parseOptional(raw.ClientSecret, "clientSecret")
	if err != nil {
		return err
	}
	c.ClientSecret = Secret(secret)
	if c.RedirectURI, err = parseOptional(raw.RedirectURI, "redirectUri"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BackendConfig
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL json.RawMessage `json:"baseURL"`
		Timeout string          `json:"timeout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if b.BaseURL, err = parseOptional(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if b.Timeout, err = parseDuration(raw.Timeout, "timeout"); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind                StorageKind     `json:"kind"`
		Path                json.RawMessage `json:"path"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		RedisAddr           json.RawMessage `json:"redisAddr"`
		RedisPassword       json.RawMessage `json:"redisPassword"`
		RedisDB             int             `json:"redisDB"`
		KeyPrefix           string          `json:"keyPrefix"`
		Watch               bool            `json:"watch"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection
	s.RedisDB = raw.RedisDB
	s.KeyPrefix = raw.KeyPrefix
	s.Watch = raw.Watch

	var err error
	if s.Path, err = parseOptional(raw.Path, "path"); err != nil {
		return err
	}
	key, err := parseOptional(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)
	if s.GCPProject, err = parseOptional(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	if s.RedisAddr, err = parseOptional(raw.RedisAddr, "redisAddr"); err != nil {
		return err
	}
	password, err := parseOptional(raw.RedisPassword, "redisPassword")
	if err != nil {
		return err
	}
	s.RedisPassword = Secret(password)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for RefreshConfig.
// An explicit "0" interval disables the timer; an absent one keeps the default.
func (r *RefreshConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Interval *string `json:"interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Interval == nil {
		return nil
	}

	interval, err := parseDuration(*raw.Interval, "interval")
	if err != nil {
		return err
	}
	if interval < 0 {
		return fmt.Errorf("refresh interval cannot be negative")
	}
	r.Interval = interval
	r.Disabled = interval == 0
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ShellConfig
func (s *ShellConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr           string          `json:"addr"`
		BaseURL        json.RawMessage `json:"baseURL"`
		StateSecret    json.RawMessage `json:"stateSecret"`
		AllowedOrigins []string        `json:"allowedOrigins"`
		Routes         []RouteConfig   `json:"routes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Addr = raw.Addr
	s.AllowedOrigins = raw.AllowedOrigins
	s.Routes = raw.Routes

	var err error
	if s.BaseURL, err = parseOptional(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	secret, err := parseOptional(raw.StateSecret, "stateSecret")
	if err != nil {
		return err
	}
	s.StateSecret = Secret(secret)
	return nil
}
