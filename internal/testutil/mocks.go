package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/backend"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/storage"
	"github.com/stretchr/testify/mock"
)

// MockVerifier is a testify mock of the backend verification endpoint
type MockVerifier struct {
	mock.Mock
}

var _ backend.Verifier = (*MockVerifier)(nil)

func (m *MockVerifier) Verify(ctx context.Context, provider string, req backend.VerifyRequest) (*backend.VerifyResponse, error) {
	args := m.Called(ctx, provider, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backend.VerifyResponse), args.Error(1)
}

// VerifierFunc adapts a function to backend.Verifier
type VerifierFunc func(ctx context.Context, provider string, req backend.VerifyRequest) (*backend.VerifyResponse, error)

func (f VerifierFunc) Verify(ctx context.Context, provider string, req backend.VerifyRequest) (*backend.VerifyResponse, error) {
	return f(ctx, provider, req)
}

// FakeProvider is a scriptable in-memory identity provider. Tests drive
// session transitions with Appear and Disappear; tokens are "<subject>-token-N".
type FakeProvider struct {
	mu        sync.Mutex
	session   *idp.Session
	mintCount int
	profiles  []account.Profile
	gate      chan struct{}

	// MintErr, when set, is returned by MintToken
	MintErr error
	// SignInSession is established by SignIn. Nil makes SignIn fail with
	// idp.ErrSignInCancelled.
	SignInSession *idp.Session

	signIns   atomic.Int32
	signOuts  atomic.Int32
	forgets   atomic.Int32
	listeners idp.Listeners
}

var _ idp.Provider = (*FakeProvider)(nil)

// NewFakeProvider creates a signed-out provider
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// NewSession builds a session for the fake provider
func NewSession(subject string) *idp.Session {
	return &idp.Session{
		Provider: "fake",
		Subject:  subject,
		Email:    subject + "@example.com",
		Name:     subject,
	}
}

func (f *FakeProvider) Type() string { return "fake" }

// Appear establishes s and notifies listeners
func (f *FakeProvider) Appear(s *idp.Session) {
	c := *s
	f.mu.Lock()
	f.session = &c
	f.mu.Unlock()
	f.listeners.Notify(&c)
}

// Disappear drops the session and notifies listeners
func (f *FakeProvider) Disappear() {
	f.mu.Lock()
	f.session = nil
	f.mu.Unlock()
	f.listeners.Notify(nil)
}

// SetSession changes the session without notifying, as a restored session would
func (f *FakeProvider) SetSession(s *idp.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s == nil {
		f.session = nil
		return
	}
	c := *s
	f.session = &c
}

func (f *FakeProvider) SignIn(ctx context.Context) (*idp.Session, error) {
	f.signIns.Add(1)
	f.mu.Lock()
	s := f.SignInSession
	f.mu.Unlock()
	if s == nil {
		return nil, idp.ErrSignInCancelled
	}
	f.Appear(s)
	c := *s
	return &c, nil
}

// SignIns counts SignIn calls
func (f *FakeProvider) SignIns() int { return int(f.signIns.Load()) }

func (f *FakeProvider) SignOut(ctx context.Context) error {
	f.signOuts.Add(1)
	f.mu.Lock()
	had := f.session != nil
	f.session = nil
	f.mu.Unlock()
	if had {
		f.listeners.Notify(nil)
	}
	return nil
}

// SignOuts counts SignOut calls
func (f *FakeProvider) SignOuts() int { return int(f.signOuts.Load()) }

func (f *FakeProvider) Forget(ctx context.Context) error {
	f.forgets.Add(1)
	f.mu.Lock()
	had := f.session != nil
	f.session = nil
	f.mu.Unlock()
	if had {
		f.listeners.Notify(nil)
	}
	return nil
}

// Forgets counts Forget calls
func (f *FakeProvider) Forgets() int { return int(f.forgets.Load()) }

func (f *FakeProvider) CurrentSession() *idp.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	c := *f.session
	return &c
}

func (f *FakeProvider) OnSessionChange(fn func(*idp.Session)) idp.Subscription {
	return f.listeners.Add(fn)
}

// HoldMints makes MintToken block until ReleaseMints
func (f *FakeProvider) HoldMints() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// ReleaseMints unblocks held MintToken calls
func (f *FakeProvider) ReleaseMints() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *FakeProvider) MintToken(ctx context.Context, forceRefresh bool) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MintErr != nil {
		return "", f.MintErr
	}
	if f.session == nil {
		return "", idp.ErrNoSession
	}
	f.mintCount++
	return fmt.Sprintf("%s-token-%d", f.session.Subject, f.mintCount), nil
}

// Mints counts successful MintToken calls
func (f *FakeProvider) Mints() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintCount
}

func (f *FakeProvider) UpdateProfile(ctx context.Context, profile account.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return idp.ErrNoSession
	}
	f.profiles = append(f.profiles, profile)
	return nil
}

// Profiles returns every profile mirrored onto the provider
func (f *FakeProvider) Profiles() []account.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]account.Profile(nil), f.profiles...)
}

// ErrInjected is returned by RecordingStorage when a failure is armed
var ErrInjected = errors.New("injected storage failure")

// RecordingStorage wraps MemoryStorage, counting writes and optionally failing them
type RecordingStorage struct {
	*storage.MemoryStorage

	puts    atomic.Int32
	deletes atomic.Int32

	FailPut    atomic.Bool
	FailDelete atomic.Bool
	FailGet    atomic.Bool
}

var _ storage.KeyValue = (*RecordingStorage)(nil)

// NewRecordingStorage creates an empty store
func NewRecordingStorage() *RecordingStorage {
	return &RecordingStorage{MemoryStorage: storage.NewMemoryStorage()}
}

func (r *RecordingStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if r.FailGet.Load() {
		return nil, ErrInjected
	}
	return r.MemoryStorage.Get(ctx, key)
}

func (r *RecordingStorage) Put(ctx context.Context, values map[string][]byte) error {
	r.puts.Add(1)
	if r.FailPut.Load() {
		return ErrInjected
	}
	return r.MemoryStorage.Put(ctx, values)
}

func (r *RecordingStorage) Delete(ctx context.Context, keys ...string) error {
	r.deletes.Add(1)
	if r.FailDelete.Load() {
		return ErrInjected
	}
	return r.MemoryStorage.Delete(ctx, keys...)
}

// Puts counts Put calls, including failed ones
func (r *RecordingStorage) Puts() int { return int(r.puts.Load()) }

// Deletes counts Delete calls, including failed ones
func (r *RecordingStorage) Deletes() int { return int(r.deletes.Load()) }
