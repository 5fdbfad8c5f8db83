package urlutil

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// JoinPath safely joins URL paths, handling trailing and leading slashes correctly
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	// Join paths, ensuring proper slash handling
	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	// Preserve trailing slash if the last path component had one
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// ResolveAPIPath joins an API path such as "/listings?city=Lyon" under base.
// The query of ref is kept. Absolute URLs and ".." segments escaping base are
// rejected so callers cannot redirect the credential to another host.
func ResolveAPIPath(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", ref, err)
	}
	if r.Scheme != "" || r.Host != "" {
		return "", fmt.Errorf("path %q must be relative to the API base URL", ref)
	}
	for _, seg := range strings.Split(r.Path, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q must not contain '..'", ref)
		}
	}

	joined, err := JoinPath(base, r.Path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(joined)
	if err != nil {
		return "", err
	}
	u.RawQuery = r.RawQuery
	return u.String(), nil
}

// SameOrigin reports whether a and b share scheme, host and effective port
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
