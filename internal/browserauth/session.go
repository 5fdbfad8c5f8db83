package browserauth

import (
	"net/url"
	"strings"
)

// AuthorizationState is the OAuth authorization code flow state parameter.
// ReturnURL is the route the user was sent away from, restored after sign-in.
type AuthorizationState struct {
	Nonce     string `json:"nonce"`
	ReturnURL string `json:"return_url"`
}

// SanitizeReturnURL keeps only same-origin absolute paths. Anything else,
// including scheme-relative "//host" forms, collapses to "/".
func SanitizeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return u.RequestURI()
}
