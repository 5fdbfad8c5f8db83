package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/emailutil"
	"github.com/dgellow/estate-session/internal/ioutil"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/storage"
	"golang.org/x/oauth2"
)

var (
	_ Provider     = (*OAuthProvider)(nil)
	_ RedirectFlow = (*OAuthProvider)(nil)
)

// parseUserInfoFunc turns a userinfo response body into a session
type parseUserInfoFunc func(body []byte) (*Session, error)

// Options are shared by every OAuth-based provider
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Storage persists the session so it survives restarts. Optional.
	Storage storage.KeyValue
	// Browser opens the authorization URL during SignIn. Defaults to OpenBrowser.
	Browser Browser
	// HTTPClient is used for token and userinfo requests. Optional.
	HTTPClient *http.Client
	// SignInTimeout bounds an interactive sign-in. Defaults to 5 minutes.
	SignInTimeout time.Duration
}

// OAuthProvider implements Provider over the authorization code flow with
// refresh tokens. Provider-specific behaviour is limited to the endpoints
// and the userinfo response shape.
type OAuthProvider struct {
	providerType  string
	config        oauth2.Config
	userInfoURL   string
	parseUserInfo parseUserInfoFunc
	kv            storage.KeyValue
	browser       Browser
	httpClient    *http.Client
	signInTimeout time.Duration

	// transitions orders session changes with the notifications and
	// storage writes they cause. Held across Notify, so listeners must not
	// change the session synchronously.
	transitions sync.Mutex

	mu      sync.Mutex
	session *Session
	token   *oauth2.Token
	// epoch changes on every session transition so a refresh that raced a
	// sign-out does not write its token back
	epoch uint64

	listeners Listeners
}

type persistedSession struct {
	Session      Session   `json:"session"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

func newOAuthProvider(providerType string, endpoint oauth2.Endpoint, userInfoURL string, parse parseUserInfoFunc, opts Options) *OAuthProvider {
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	browser := opts.Browser
	if browser == nil {
		browser = OpenBrowser
	}
	timeout := opts.SignInTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &OAuthProvider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		userInfoURL:   userInfoURL,
		parseUserInfo: parse,
		kv:            opts.Storage,
		browser:       browser,
		httpClient:    opts.HTTPClient,
		signInTimeout: timeout,
	}
}

// Type returns the provider type.
func (p *OAuthProvider) Type() string {
	return p.providerType
}

func (p *OAuthProvider) storageKey() string {
	return "idp:" + p.providerType + ":session"
}

// withClient makes oauth2 use the configured HTTP client
func (p *OAuthProvider) withClient(ctx context.Context) context.Context {
	if p.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// AuthURL generates the authorization URL.
func (p *OAuthProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// CompleteSignIn exchanges an authorization code, fetches the profile and
// establishes the session.
func (p *OAuthProvider) CompleteSignIn(ctx context.Context, code string) (*Session, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	ctx = p.withClient(ctx)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	session, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := p.establish(ctx, session, token); err != nil {
		return nil, err
	}
	c := *session
	return &c, nil
}

func (p *OAuthProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (*Session, error) {
	client := p.config.Client(ctx, token)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadLimited(resp.Body, ioutil.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get user info: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	session, err := p.parseUserInfo(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if session.Subject == "" {
		return nil, fmt.Errorf("user info has no subject")
	}
	session.Provider = p.providerType
	session.Email = emailutil.Normalize(session.Email)
	return session, nil
}

func (p *OAuthProvider) establish(ctx context.Context, session *Session, token *oauth2.Token) error {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	if err := p.persist(ctx, session, token); err != nil {
		return err
	}

	p.mu.Lock()
	p.session = session
	p.token = token
	p.epoch++
	p.mu.Unlock()

	log.LogInfoWithFields("idp", "Provider session established", map[string]any{
		"provider": p.providerType,
		"subject":  session.Key(),
		"email":    emailutil.Mask(session.Email),
	})
	p.listeners.Notify(session)
	return nil
}

func (p *OAuthProvider) persist(ctx context.Context, session *Session, token *oauth2.Token) error {
	if p.kv == nil {
		return nil
	}
	rec := persistedSession{
		Session:      *session,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      idToken(token),
		Expiry:       token.Expiry,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding provider session: %w", err)
	}
	if err := p.kv.Put(ctx, map[string][]byte{p.storageKey(): data}); err != nil {
		return fmt.Errorf("persisting provider session: %w", err)
	}
	return nil
}

// Restore loads a persisted session without notifying listeners. Unreadable
// records are discarded.
func (p *OAuthProvider) Restore(ctx context.Context) (*Session, error) {
	if p.kv == nil {
		return nil, nil
	}
	data, err := p.kv.Get(ctx, p.storageKey())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading provider session: %w", err)
	}

	var rec persistedSession
	if err := json.Unmarshal(data, &rec); err != nil || rec.Session.Subject == "" {
		log.LogWarnWithFields("idp", "Discarding unreadable provider session", map[string]any{
			"provider": p.providerType,
		})
		_ = p.kv.Delete(ctx, p.storageKey())
		return nil, nil
	}

	token := &oauth2.Token{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		Expiry:       rec.Expiry,
	}
	if rec.IDToken != "" {
		token = token.WithExtra(map[string]any{"id_token": rec.IDToken})
	}
	session := rec.Session

	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	p.session = &session
	p.token = token
	p.epoch++
	p.mu.Unlock()

	log.LogDebugWithFields("idp", "Restored provider session", map[string]any{
		"provider": p.providerType,
		"subject":  session.Key(),
	})
	c := session
	return &c, nil
}

// SignOut ends the session locally and forgets the persisted refresh token
func (p *OAuthProvider) SignOut(ctx context.Context) error {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	had := p.drop()
	var err error
	if p.kv != nil {
		if delErr := p.kv.Delete(ctx, p.storageKey()); delErr != nil {
			err = fmt.Errorf("deleting provider session: %w", delErr)
		}
	}
	if had {
		log.LogInfoWithFields("idp", "Provider session ended", map[string]any{
			"provider": p.providerType,
		})
		p.listeners.Notify(nil)
	}
	return err
}

// Forget ends the session in this process only. The persisted record is
// left for whoever else shares the storage.
func (p *OAuthProvider) Forget(ctx context.Context) error {
	p.transitions.Lock()
	defer p.transitions.Unlock()

	if p.drop() {
		log.LogInfoWithFields("idp", "Provider session forgotten locally", map[string]any{
			"provider": p.providerType,
		})
		p.listeners.Notify(nil)
	}
	return nil
}

func (p *OAuthProvider) drop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	had := p.session != nil
	p.session = nil
	p.token = nil
	p.epoch++
	return had
}

// CurrentSession returns a copy of the session, or nil
func (p *OAuthProvider) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	c := *p.session
	return &c
}

// OnSessionChange registers fn
func (p *OAuthProvider) OnSessionChange(fn func(*Session)) Subscription {
	return p.listeners.Add(fn)
}

// MintToken returns the ID token, falling back to the access token for
// providers that issue none. forceRefresh always performs a refresh grant.
func (p *OAuthProvider) MintToken(ctx context.Context, forceRefresh bool) (string, error) {
	p.mu.Lock()
	session, current, epoch := p.session, p.token, p.epoch
	p.mu.Unlock()
	if session == nil || current == nil {
		return "", ErrNoSession
	}
	if !forceRefresh && current.Valid() {
		return bearerOf(current), nil
	}
	if current.RefreshToken == "" {
		return "", fmt.Errorf("provider session has no refresh token")
	}

	// An expired token forces the TokenSource to use the refresh grant
	src := p.config.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
	refreshed, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			p.revoked(ctx, epoch)
		}
		return "", fmt.Errorf("refreshing provider token: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return "", ErrNoSession
	}
	p.token = refreshed
	p.mu.Unlock()

	if err := p.persist(ctx, session, refreshed); err != nil {
		log.LogWarnWithFields("idp", "Failed to persist refreshed provider token", map[string]any{
			"provider": p.providerType,
			"error":    err.Error(),
		})
	}
	return bearerOf(refreshed), nil
}

// revoked handles a refresh token the provider no longer honours: the
// provider session is gone.
func (p *OAuthProvider) revoked(ctx context.Context, epoch uint64) {
	p.mu.Lock()
	if p.epoch != epoch || p.session == nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	log.LogWarnWithFields("idp", "Refresh token rejected; ending provider session", map[string]any{
		"provider": p.providerType,
	})
	_ = p.SignOut(ctx)
}

// UpdateProfile mirrors display name and avatar onto the local session record.
// The provider's own profile is not writable over OAuth.
func (p *OAuthProvider) UpdateProfile(ctx context.Context, profile account.Profile) error {
	p.transitions.Lock()
	defer p.transitions.Unlock()
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	updated := *p.session
	if profile.DisplayName != "" {
		updated.Name = profile.DisplayName
	}
	if profile.AvatarURL != "" {
		updated.AvatarURL = profile.AvatarURL
	}
	p.session = &updated
	token := p.token
	p.mu.Unlock()

	return p.persist(ctx, &updated, token)
}

func idToken(t *oauth2.Token) string {
	if t == nil {
		return ""
	}
	if v, ok := t.Extra("id_token").(string); ok {
		return v
	}
	return ""
}

func bearerOf(t *oauth2.Token) string {
	if id := idToken(t); id != "" {
		return id
	}
	return t.AccessToken
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
