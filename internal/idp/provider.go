package idp

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/dgellow/estate-session/internal/account"
)

var (
	// ErrNoSession is returned by MintToken when the provider is signed out
	ErrNoSession = errors.New("no provider session")
	// ErrSignInCancelled is returned when the user closed or abandoned the sign-in
	ErrSignInCancelled = errors.New("sign-in cancelled")
)

// Session is the identity the provider currently vouches for
type Session struct {
	Provider  string `json:"provider"`
	Subject   string `json:"sub"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"picture,omitempty"`
}

// Key identifies the session across providers. Credentials record it as the
// subject they were issued for.
func (s *Session) Key() string {
	if s == nil {
		return ""
	}
	return s.Provider + ":" + s.Subject
}

// Provider abstracts an external identity provider.
type Provider interface {
	// Type returns the provider type identifier (e.g., "google", "oidc").
	Type() string

	// SignIn runs the interactive sign-in and returns the new session.
	SignIn(ctx context.Context) (*Session, error)

	// SignOut ends the provider session. Listeners observe a nil session.
	SignOut(ctx context.Context) error

	// Forget ends the session in this process only, leaving any shared
	// persisted session in place. Listeners observe a nil session.
	Forget(ctx context.Context) error

	// CurrentSession returns nil when signed out.
	CurrentSession() *Session

	// OnSessionChange registers fn for every session transition. A nil
	// session means the session disappeared. fn must not block.
	OnSessionChange(fn func(*Session)) Subscription

	// MintToken returns a provider ID token. forceRefresh bypasses any cached token.
	MintToken(ctx context.Context, forceRefresh bool) (string, error)

	// UpdateProfile mirrors the application profile onto the provider session.
	UpdateProfile(ctx context.Context, profile account.Profile) error
}

// RedirectFlow is implemented by providers whose sign-in can be driven by an
// external browser redirect instead of SignIn's own loopback listener.
type RedirectFlow interface {
	AuthURL(state string) string
	CompleteSignIn(ctx context.Context, code string) (*Session, error)
}

// Subscription is returned by OnSessionChange
type Subscription interface {
	Unsubscribe()
}

// Listeners fans session changes out to subscribers in registration order.
// Providers call Notify outside the lock guarding their session state, but
// in the order the changes were applied.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(*Session)
}

type subscription struct {
	l  *Listeners
	id int
}

func (s subscription) Unsubscribe() {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	delete(s.l.fns, s.id)
}

// Add registers fn
func (l *Listeners) Add(fn func(*Session)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(*Session))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return subscription{l: l, id: id}
}

// Notify calls every listener with a copy of s
func (l *Listeners) Notify(s *Session) {
	l.mu.Lock()
	ids := slices.Sorted(maps.Keys(l.fns))
	fns := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		var arg *Session
		if s != nil {
			c := *s
			arg = &c
		}
		fn(arg)
	}
}
