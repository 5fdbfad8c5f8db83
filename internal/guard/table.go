package guard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgellow/estate-session/internal/config"
)

// Route binds a path pattern to a requirement. A pattern ending in "/"
// matches everything below it; any other pattern matches exactly.
type Route struct {
	Pattern     string
	Requirement Requirement
}

func (r Route) matches(path string) bool {
	if strings.HasSuffix(r.Pattern, "/") {
		return strings.HasPrefix(path, r.Pattern) || path == strings.TrimSuffix(r.Pattern, "/")
	}
	return path == r.Pattern
}

// Table holds the guarded routes, most specific first
type Table struct {
	routes []Route
}

// NewTable builds a table from configured routes
func NewTable(routes []config.RouteConfig) (*Table, error) {
	t := &Table{}
	seen := make(map[string]bool, len(routes))
	for i, rc := range routes {
		if !strings.HasPrefix(rc.Path, "/") {
			return nil, fmt.Errorf("routes[%d]: path %q must start with /", i, rc.Path)
		}
		if seen[rc.Path] {
			return nil, fmt.Errorf("routes[%d]: duplicate path %q", i, rc.Path)
		}
		seen[rc.Path] = true
		req, err := ParseRequirement(rc.Require)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		t.routes = append(t.routes, Route{Pattern: rc.Path, Requirement: req})
	}
	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Pattern) > len(t.routes[j].Pattern)
	})
	return t, nil
}

// Match returns the requirement of the most specific route covering path
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes, most specific first
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}
