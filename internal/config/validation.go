package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) errorf(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) warnf(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes runs the structural checks of ValidateFile on raw bytes
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.errorf("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.errorf("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if version != SupportedVersion {
		result.errorf("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	for _, section := range []string{"api", "identity"} {
		if _, ok := rawConfig[section].(map[string]any); !ok {
			result.errorf(section, "%s field is required and must be an object", section)
		}
	}

	if api, ok := rawConfig["api"].(map[string]any); ok {
		if _, exists := api["baseURL"]; !exists {
			result.errorf("api.baseURL", "baseURL is required")
		}
	}

	if identity, ok := rawConfig["identity"].(map[string]any); ok {
		validateIdentityStructure(identity, result)
	}

	if storage, ok := rawConfig["storage"].(map[string]any); ok {
		validateStorageStructure(storage, result)
	} else if _, exists := rawConfig["storage"]; !exists {
		result.warnf("storage", "storage not configured; defaulting to file storage without encryption")
	}

	for section, fields := range secretFields {
		values, ok := rawConfig[section].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range fields {
			if value, exists := values[field]; exists {
				if verr := validateEnvVarReference(value, field, section+"."+field); verr != nil {
					result.Errors = append(result.Errors, *verr)
				}
			}
		}
	}

	return result
}

func validateIdentityStructure(identity map[string]any, result *ValidationResult) {
	provider, _ := identity["provider"].(string)
	switch ProviderType(provider) {
	case ProviderGoogle:
	case ProviderOIDC:
		_, hasDiscovery := identity["discoveryUrl"]
		_, hasAuth := identity["authorizationUrl"]
		_, hasToken := identity["tokenUrl"]
		_, hasUserInfo := identity["userInfoUrl"]
		if !hasDiscovery && !(hasAuth && hasToken && hasUserInfo) {
			result.errorf("identity", "oidc provider requires discoveryUrl or all of authorizationUrl, tokenUrl, userInfoUrl")
		}
	case "":
		result.errorf("identity.provider", "provider is required (google or oidc)")
	default:
		result.errorf("identity.provider", "unknown provider '%s' - use google or oidc", provider)
	}

	for _, field := range []string{"clientId", "redirectUri"} {
		if _, exists := identity[field]; !exists {
			result.errorf("identity."+field, "%s is required", field)
		}
	}
}

func validateStorageStructure(storage map[string]any, result *ValidationResult) {
	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case StorageMemory:
		result.warnf("storage.kind", "memory storage does not survive restarts")
	case StorageFile, StorageSQLite, "":
		if _, exists := storage["path"]; !exists {
			result.errorf("storage.path", "path is required for %s storage", kindOrDefault(kind))
		}
	case StorageFirestore:
		if _, exists := storage["gcpProject"]; !exists {
			result.errorf("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	case StorageRedis:
		if _, exists := storage["redisAddr"]; !exists {
			result.errorf("storage.redisAddr", "redisAddr is required when using redis storage")
		}
	default:
		result.errorf("storage.kind", "unknown storage kind '%s'", kind)
	}

	if _, exists := storage["encryptionKey"]; !exists && kind != string(StorageMemory) {
		result.warnf("storage.encryptionKey", "no encryptionKey configured; credentials will be stored in plaintext")
	}
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return string(StorageFile)
	}
	return kind
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if match := bashStyleRegex.FindString(v); match != "" {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, strings.Trim(match, "${}")),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			result.warnf(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, strings.Trim(match, "${}"))
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			next := key
			if path != "" {
				next = path + "." + key
			}
			checkBashStyleSyntax(val, next, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
