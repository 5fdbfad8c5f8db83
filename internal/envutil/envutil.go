package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime environment
const EnvVar = "ESTATE_SESSION_ENV"

// IsDev reports whether security requirements (https URLs, env-only secrets,
// secure cookies) may be relaxed for local development.
func IsDev() bool {
	switch strings.ToLower(os.Getenv(EnvVar)) {
	case "development", "dev":
		return true
	default:
		return false
	}
}
