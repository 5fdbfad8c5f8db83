// Package apiclient attaches the session credential to calls against the
// protected marketplace API and recovers once from an expired credential.
package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/urlutil"
	"github.com/google/uuid"
)

// RequestIDHeader correlates a request and its retry in API logs
const RequestIDHeader = "X-Request-ID"

// TokenProvider is the part of idp.Provider the transport needs
type TokenProvider interface {
	CurrentSession() *idp.Session
	MintToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Invalidator ends the local session when a request proves authentication
// is required. Implemented by session.Reconciler.
type Invalidator interface {
	Invalidate(ctx context.Context, reason error) error
}

type attemptKey struct{}

func attemptOf(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Transport is an http.RoundTripper that authenticates requests to the API
// origin. A 401 is retried at most once, after a forced token refresh.
// Requests to any other origin, such as a redirect target, go out without
// credentials.
type Transport struct {
	base                http.RoundTripper
	origin              *url.URL
	provider            TokenProvider
	store               *credstore.Store
	sessions            Invalidator
	preferProviderToken bool
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport wraps base (http.DefaultTransport when nil). Credentials are
// only attached to requests for the origin of apiBaseURL; an unparsable base
// means none are attached. With preferProviderToken a fresh provider token
// replaces the cached one while the provider has a session.
func NewTransport(base http.RoundTripper, apiBaseURL string, provider TokenProvider, store *credstore.Store, sessions Invalidator, preferProviderToken bool) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	origin, err := url.Parse(apiBaseURL)
	if err != nil || origin.Host == "" {
		log.LogWarnWithFields("apiclient", "API base URL has no origin, credentials will not be attached", map[string]any{
			"base_url": apiBaseURL,
		})
		origin = nil
	}
	return &Transport{
		base:                base,
		origin:              origin,
		provider:            provider,
		store:               store,
		sessions:            sessions,
		preferProviderToken: preferProviderToken,
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attempt := attemptOf(ctx)

	out := req.Clone(ctx)
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	trusted := urlutil.SameOrigin(t.origin, out.URL)
	if !trusted {
		out.Header.Del("Authorization")
		log.LogDebugWithFields("apiclient", "Request leaves the API origin, sending without credentials", map[string]any{
			"host":       out.URL.Host,
			"request_id": out.Header.Get(RequestIDHeader),
		})
	} else if token := t.token(ctx); token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if !trusted || resp.StatusCode != http.StatusUnauthorized || attempt > 0 {
		return resp, nil
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		log.LogDebugWithFields("apiclient", "Not retrying request with a body that cannot be replayed", map[string]any{
			"method":     req.Method,
			"request_id": out.Header.Get(RequestIDHeader),
		})
		return resp, nil
	}
	return t.retry(req, out.Header.Get(RequestIDHeader), resp)
}

// token picks the bearer for a request, or "" when nothing may be attached.
// A stored credential is only used while the provider session it was issued
// for still exists.
func (t *Transport) token(ctx context.Context) string {
	session := t.provider.CurrentSession()
	if session == nil {
		return ""
	}

	cred, err := t.store.Token(ctx)
	if err != nil && !errors.Is(err, credstore.ErrEmpty) {
		log.LogWarnWithFields("apiclient", "Could not read stored credential", map[string]any{
			"error": err.Error(),
		})
	}
	held := err == nil && cred.IssuedFor == session.Key()

	if t.preferProviderToken && held {
		fresh, mintErr := t.provider.MintToken(ctx, true)
		if mintErr == nil {
			if next, rotErr := t.store.Rotate(ctx, cred.Generation, cred.IssuedFor, fresh); rotErr == nil {
				return next.Token
			}
			return fresh
		}
		log.LogDebugWithFields("apiclient", "Fresh token unavailable, using cached credential", map[string]any{
			"error": mintErr.Error(),
		})
	}
	if held {
		return cred.Token
	}
	return ""
}

func (t *Transport) retry(req *http.Request, requestID string, first *http.Response) (*http.Response, error) {
	ctx := req.Context()
	fields := map[string]any{
		"method":     req.Method,
		"path":       req.URL.Path,
		"request_id": requestID,
	}

	session := t.provider.CurrentSession()
	if session == nil {
		drain(first)
		return nil, t.authenticationRequired(ctx, idp.ErrNoSession, fields)
	}

	token, err := t.provider.MintToken(ctx, true)
	if errors.Is(err, idp.ErrNoSession) {
		drain(first)
		return nil, t.authenticationRequired(ctx, err, fields)
	}
	if err != nil {
		fields["error"] = err.Error()
		log.LogWarnWithFields("apiclient", "Token refresh after 401 failed", fields)
		return first, nil
	}
	drain(first)

	if cred, ok := t.store.Current(); ok && cred.IssuedFor == session.Key() {
		if _, err := t.store.Rotate(ctx, cred.Generation, cred.IssuedFor, token); err != nil && !errors.Is(err, credstore.ErrStale) {
			fields["error"] = err.Error()
			log.LogWarnWithFields("apiclient", "Could not store refreshed token", fields)
		}
	}

	retryCtx := context.WithValue(ctx, attemptKey{}, attemptOf(ctx)+1)
	again := req.Clone(retryCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		again.Body = body
	}
	again.Header.Set(RequestIDHeader, requestID)
	again.Header.Set("Authorization", "Bearer "+token)

	log.LogDebugWithFields("apiclient", "Retrying request after credential refresh", fields)
	return t.base.RoundTrip(again)
}

func (t *Transport) authenticationRequired(ctx context.Context, cause error, fields map[string]any) error {
	log.LogInfoWithFields("apiclient", "Authentication required, clearing session", fields)
	if t.sessions != nil {
		if err := t.sessions.Invalidate(ctx, cause); err != nil {
			log.LogWarnWithFields("apiclient", "Invalidating session failed", map[string]any{
				"error": err.Error(),
			})
		}
	} else if err := t.store.Clear(ctx); err != nil {
		log.LogWarnWithFields("apiclient", "Clearing credential failed", map[string]any{
			"error": err.Error(),
		})
	}
	return apperr.New(apperr.AuthenticationRequired, cause)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
