// Package guard decides whether a navigation may proceed given the
// reconciler's published state. It performs no I/O.
package guard

import (
	"fmt"
	"strings"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/session"
)

// Outcome of a route decision
type Outcome int

const (
	// Pending means the session is still being established; render a
	// placeholder instead of redirecting
	Pending Outcome = iota
	Allow
	RedirectToLogin
	RedirectToHome
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Allow:
		return "allow"
	case RedirectToLogin:
		return "redirect_login"
	case RedirectToHome:
		return "redirect_home"
	default:
		return "unknown"
	}
}

// Requirement is what a route demands of the user. The zero value admits
// any authenticated user.
type Requirement struct {
	Role account.Role
}

// AnyAuthenticated admits every signed-in user
var AnyAuthenticated = Requirement{}

// RequireRole admits only users holding exactly role
func RequireRole(role account.Role) Requirement {
	return Requirement{Role: role}
}

func (r Requirement) String() string {
	if r.Role == "" {
		return "authenticated"
	}
	return string(r.Role)
}

// ParseRequirement accepts "authenticated" (or "any") and the role names
func ParseRequirement(s string) (Requirement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "authenticated", "any":
		return AnyAuthenticated, nil
	}
	role, err := account.ParseRole(s)
	if err != nil {
		return Requirement{}, fmt.Errorf("invalid route requirement %q: %w", s, err)
	}
	return RequireRole(role), nil
}

// Decision is the guard's answer. Origin is the location to return to after
// login and is only set for RedirectToLogin.
type Decision struct {
	Outcome Outcome
	Origin  string
}

// Decide evaluates req against st without an origin to preserve
func Decide(req Requirement, st session.State) Decision {
	return DecideFor(req, "", st)
}

// DecideFor evaluates req against st. origin is passed through on
// RedirectToLogin so login can return the user there.
func DecideFor(req Requirement, origin string, st session.State) Decision {
	switch st.Phase {
	case session.Initializing, session.Exchanging:
		return Decision{Outcome: Pending}
	case session.SignedOut:
		return Decision{Outcome: RedirectToLogin, Origin: origin}
	}

	user := st.User
	if user == nil {
		return Decision{Outcome: RedirectToLogin, Origin: origin}
	}
	if req.Role != "" && user.Role != req.Role {
		return Decision{Outcome: RedirectToHome}
	}
	if req.Role == account.RoleAgent && user.IsFraud {
		return Decision{Outcome: RedirectToHome}
	}
	return Decision{Outcome: Allow}
}
