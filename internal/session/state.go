// Package session reconciles the identity provider's session with the
// backend credential. One event loop owns the state; everything else reads
// snapshots.
package session

import (
	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/idp"
)

// Phase of the reconciler state machine
type Phase int

const (
	Initializing Phase = iota
	SignedOut
	Exchanging
	SignedIn
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case SignedOut:
		return "signed_out"
	case Exchanging:
		return "exchanging"
	case SignedIn:
		return "signed_in"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot. Subject is the provider session key the
// state refers to; Generation increases with every provider session event.
type State struct {
	Phase      Phase
	User       *account.User
	Subject    string
	Generation uint64
	Err        *apperr.Error
}

// Authenticated reports whether a backend user is established
func (s State) Authenticated() bool {
	return s.Phase == SignedIn && s.User != nil
}

// Settled reports whether the state is no longer waiting on an exchange or restore
func (s State) Settled() bool {
	return s.Phase == SignedOut || s.Phase == SignedIn
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Events fed into the loop
type event interface{ isEvent() }

type (
	// restored carries what Start found: the provider's session and the
	// durable credential, either may be nil
	restored struct {
		session *idp.Session
		cred    *credstore.Credential
	}
	sessionAppeared struct {
		session *idp.Session
	}
	sessionDisappeared struct{}
	exchangeVerified   struct {
		generation uint64
		subject    string
		token      string
		user       account.User
	}
	exchangeCommitted struct {
		generation uint64
		user       account.User
	}
	exchangeFailed struct {
		generation uint64
		err        *apperr.Error
	}
	signInFailed struct {
		err *apperr.Error
	}
	signOutRequested struct {
		reason *apperr.Error
		done   chan error
	}
	externalChange struct{}
	credentialReloaded struct {
		cred *credstore.Credential
	}
)

func (restored) isEvent()           {}
func (sessionAppeared) isEvent()    {}
func (sessionDisappeared) isEvent() {}
func (exchangeVerified) isEvent()   {}
func (exchangeCommitted) isEvent()  {}
func (exchangeFailed) isEvent()     {}
func (signInFailed) isEvent()       {}
func (signOutRequested) isEvent()   {}
func (externalChange) isEvent()     {}
func (credentialReloaded) isEvent() {}

// effect is a set of side effects the loop runs after a transition, in
// declaration order
type effect uint16

const (
	effCancel      effect = 1 << iota // cancel the in-flight exchange
	effForget                         // drop the in-memory credential, durable untouched
	effClear                          // clear memory and durable credential
	effEndProvider                    // end the provider session
	effDropProvider                   // end the provider session locally, shared storage untouched
	effCommit                         // write the verified credential
	effExchange                       // start an exchange for the new generation
	effMirror                         // mirror the user profile onto the provider
	effReload                         // re-read durable storage
)

func (e effect) has(f effect) bool { return e&f != 0 }

// transition is the reducer. It never performs I/O; the returned effects are
// executed by the loop.
func transition(s State, ev event) (State, effect) {
	switch ev := ev.(type) {
	case restored:
		if s.Phase != Initializing {
			// a provider event overtook the restore
			return s, 0
		}
		if ev.session == nil {
			next := State{Phase: SignedOut, Generation: s.Generation + 1}
			if ev.cred != nil {
				return next, effClear
			}
			return next, 0
		}
		key := ev.session.Key()
		if ev.cred != nil && ev.cred.IssuedFor == key {
			u := ev.cred.User
			return State{Phase: SignedIn, User: &u, Subject: key, Generation: s.Generation + 1}, 0
		}
		return State{Phase: Exchanging, Subject: key, Generation: s.Generation + 1}, effExchange

	case sessionAppeared:
		if ev.session == nil {
			return transition(s, sessionDisappeared{})
		}
		key := ev.session.Key()
		if (s.Phase == Exchanging || s.Phase == SignedIn) && s.Subject == key {
			return s, 0
		}
		return State{Phase: Exchanging, Subject: key, Generation: s.Generation + 1}, effCancel | effExchange

	case sessionDisappeared:
		if s.Phase == SignedOut {
			return s, 0
		}
		return State{Phase: SignedOut, Generation: s.Generation + 1}, effCancel | effClear

	case exchangeVerified:
		if s.Phase != Exchanging || ev.generation != s.Generation || ev.subject != s.Subject {
			return s, 0
		}
		return s, effCommit

	case exchangeCommitted:
		if s.Phase != Exchanging || ev.generation != s.Generation {
			return s, 0
		}
		u := ev.user
		return State{Phase: SignedIn, User: &u, Subject: s.Subject, Generation: s.Generation}, effMirror

	case exchangeFailed:
		if s.Phase != Exchanging || ev.generation != s.Generation {
			return s, 0
		}
		return State{Phase: SignedOut, Generation: s.Generation + 1, Err: ev.err}, effCancel | effClear | effEndProvider

	case signInFailed:
		if s.Phase != SignedOut {
			return s, 0
		}
		s.Err = ev.err
		return s, 0

	case signOutRequested:
		return State{Phase: SignedOut, Generation: s.Generation + 1, Err: ev.reason}, effCancel | effClear | effEndProvider

	case externalChange:
		if s.Phase != SignedIn {
			return s, 0
		}
		return s, effReload

	case credentialReloaded:
		if s.Phase != SignedIn {
			return s, 0
		}
		if ev.cred == nil {
			return State{Phase: SignedOut, Generation: s.Generation + 1}, effEndProvider
		}
		if ev.cred.IssuedFor != s.Subject {
			return State{Phase: SignedOut, Generation: s.Generation + 1}, effForget | effDropProvider
		}
		u := ev.cred.User
		s.User = &u
		return s, 0
	}
	return s, 0
}
