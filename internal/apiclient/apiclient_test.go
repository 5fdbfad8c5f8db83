package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	store *credstore.Store
	calls atomic.Int32
}

func (i *recordingInvalidator) Invalidate(ctx context.Context, reason error) error {
	i.calls.Add(1)
	return i.store.Clear(ctx)
}

type seenRequest struct {
	auth      string
	requestID string
	body      string
}

// fakeAPI answers with handle and records every request it sees
type fakeAPI struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
}

func newFakeAPI(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.seen = append(api.seen, seenRequest{
			auth:      r.Header.Get("Authorization"),
			requestID: r.Header.Get(RequestIDHeader),
			body:      string(body),
		})
		api.mu.Unlock()
		handle(w, r)
	}))
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) requests() []seenRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]seenRequest(nil), a.seen...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// acceptToken serves 200 only for the given bearer token
func acceptToken(token string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type fixture struct {
	fake        *testutil.FakeProvider
	store       *credstore.Store
	invalidator *recordingInvalidator
	client      *Client
}

func newFixture(t *testing.T, api *fakeAPI, preferProvider bool) *fixture {
	t.Helper()
	f := &fixture{fake: testutil.NewFakeProvider()}
	f.fake.SetSession(testutil.NewSession("alice"))
	f.store = credstore.New(testutil.NewRecordingStorage())
	require.NoError(t, f.store.Put(context.Background(), credstore.Credential{
		Token:     "backend-1",
		IssuedFor: "fake:alice",
		User:      account.User{ID: "u1", Role: account.RoleUser},
	}))
	f.invalidator = &recordingInvalidator{store: f.store}
	transport := NewTransport(nil, api.URL, f.fake, f.store, f.invalidator, preferProvider)
	f.client = New(api.URL, 5*time.Second, transport)
	return f
}

func TestAttachesStoredCredential(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)

	var out map[string]string
	require.NoError(t, f.client.GetJSON(context.Background(), "/listings?city=Lyon", &out))
	assert.Equal(t, "ok", out["status"])

	seen := api.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "Bearer backend-1", seen[0].auth)
	assert.NotEmpty(t, seen[0].requestID)
	assert.Equal(t, 0, f.fake.Mints())
}

func TestPrefersFreshProviderToken(t *testing.T) {
	api := newFakeAPI(t, acceptToken("alice-token-1"))
	f := newFixture(t, api, true)

	require.NoError(t, f.client.GetJSON(context.Background(), "/me", nil))

	seen := api.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "Bearer alice-token-1", seen[0].auth)
	cred, _ := f.store.Current()
	assert.Equal(t, "alice-token-1", cred.Token, "fresh token is written through the store")
}

func TestFallsBackToDurableCredential(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)

	kv := testutil.NewRecordingStorage()
	require.NoError(t, credstore.New(kv).Put(context.Background(), credstore.Credential{
		Token: "backend-1", IssuedFor: "fake:alice", User: account.User{ID: "u1", Role: account.RoleUser},
	}))
	fresh := credstore.New(kv)
	client := New(api.URL, 5*time.Second, NewTransport(nil, api.URL, f.fake, fresh, f.invalidator, false))

	require.NoError(t, client.GetJSON(context.Background(), "/me", nil))
	assert.Equal(t, "Bearer backend-1", api.requests()[0].auth)
}

func TestNoCredentialWithoutProviderSession(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nil)
	})
	f := newFixture(t, api, false)
	f.fake.SetSession(nil)

	req, err := f.client.NewRequest(context.Background(), http.MethodGet, "/public", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-supplied")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Empty(t, api.requests()[0].auth, "credential is never attached once the provider session is gone")
}

func TestExpiredCredentialRetriedOnce(t *testing.T) {
	api := newFakeAPI(t, acceptToken("alice-token-1"))
	f := newFixture(t, api, false)

	require.NoError(t, f.client.GetJSON(context.Background(), "/me", nil))

	seen := api.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer backend-1", seen[0].auth)
	assert.Equal(t, "Bearer alice-token-1", seen[1].auth)
	assert.Equal(t, seen[0].requestID, seen[1].requestID, "retry keeps the request id")
	assert.Equal(t, 1, f.fake.Mints())

	cred, _ := f.store.Current()
	assert.Equal(t, "alice-token-1", cred.Token)
	assert.Equal(t, credstore.SourceProvider, cred.Source)
}

func TestSecondAuthorizationFailureIsNotRetried(t *testing.T) {
	api := newFakeAPI(t, acceptToken("never"))
	f := newFixture(t, api, false)

	err := f.client.GetJSON(context.Background(), "/me", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrCredentialExpired))

	assert.Len(t, api.requests(), 2, "exactly one retry")
	assert.Equal(t, 1, f.fake.Mints())
	assert.Equal(t, int32(0), f.invalidator.calls.Load(), "an expired credential with a live session is not a sign-out")
}

func TestRetryBoundHoldsAcrossCalls(t *testing.T) {
	api := newFakeAPI(t, acceptToken("never"))
	f := newFixture(t, api, false)

	for i := 0; i < 3; i++ {
		_ = f.client.GetJSON(context.Background(), "/me", nil)
	}
	assert.Len(t, api.requests(), 6)
}

func TestUnauthorizedWithoutProviderSessionRequiresSignIn(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)
	f.fake.SetSession(nil)

	err := f.client.GetJSON(context.Background(), "/me", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrAuthenticationRequired))
	assert.Equal(t, apperr.RedirectToLogin, apperr.KindOf(err).Presentation())

	assert.Len(t, api.requests(), 1, "no retry without a provider session")
	assert.Equal(t, int32(1), f.invalidator.calls.Load())
	_, ok := f.store.Current()
	assert.False(t, ok)
}

func TestRetryReplaysBody(t *testing.T) {
	api := newFakeAPI(t, acceptToken("alice-token-1"))
	f := newFixture(t, api, false)

	in := map[string]string{"title": "Two-room flat"}
	require.NoError(t, f.client.PostJSON(context.Background(), "/listings", in, nil))

	seen := api.requests()
	require.Len(t, seen, 2)
	assert.JSONEq(t, `{"title":"Two-room flat"}`, seen[0].body)
	assert.Equal(t, seen[0].body, seen[1].body)
}

func TestUnreplayableBodyIsNotRetried(t *testing.T) {
	api := newFakeAPI(t, acceptToken("alice-token-1"))
	f := newFixture(t, api, false)

	body := io.MultiReader(strings.NewReader(`{"a":1}`))
	req, err := f.client.NewRequest(context.Background(), http.MethodPost, "/listings", body)
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := f.client.Do(req)
	require.NoError(t, err)
	err = CheckResponse(resp)
	assert.True(t, errors.Is(err, apperr.ErrCredentialExpired))
	assert.Len(t, api.requests(), 1)
}

func TestMintFailureDuringRetry(t *testing.T) {
	api := newFakeAPI(t, acceptToken("alice-token-1"))
	f := newFixture(t, api, false)
	f.fake.MintErr = errors.New("idp down")

	err := f.client.GetJSON(context.Background(), "/me", nil)
	assert.True(t, errors.Is(err, apperr.ErrCredentialExpired))
	assert.Len(t, api.requests(), 1)
	_, ok := f.store.Current()
	assert.True(t, ok, "credential kept when only the refresh failed")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        map[string]string
		wantKind    apperr.Kind
		wantMessage string
	}{
		{"forbidden", http.StatusForbidden, map[string]string{"message": "agents only"}, apperr.AuthorizationDenied, apperr.AuthorizationDenied.UserMessage()},
		{"not found keeps message", http.StatusNotFound, map[string]string{"message": "Listing 42 not found"}, apperr.ResourceNotFound, "Listing 42 not found"},
		{"validation keeps message", http.StatusUnprocessableEntity, map[string]string{"message": "price must be positive"}, apperr.ValidationFailed, "price must be positive"},
		{"conflict", http.StatusConflict, map[string]string{"error": "already booked"}, apperr.ValidationFailed, "already booked"},
		{"server error", http.StatusBadGateway, nil, apperr.ServerError, apperr.ServerError.UserMessage()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			f := newFixture(t, api, false)

			err := f.client.GetJSON(context.Background(), "/listings/42", nil)
			var aerr *apperr.Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.wantKind, aerr.Kind)
			assert.Equal(t, tt.status, aerr.Status)
			assert.Equal(t, tt.wantMessage, aerr.UserMessage())
			assert.Len(t, api.requests(), 1, "not retried")
		})
	}
}

func TestNetworkUnreachable(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)
	api.Close()

	err := f.client.GetJSON(context.Background(), "/me", nil)
	assert.True(t, errors.Is(err, apperr.ErrNetworkUnreachable))
}

func TestContextCancelled(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.client.GetJSON(ctx, "/me", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRejectsPathsOutsideBase(t *testing.T) {
	api := newFakeAPI(t, acceptToken("backend-1"))
	f := newFixture(t, api, false)

	for _, p := range []string{"https://evil.example/steal", "//evil.example/x", "/../admin"} {
		err := f.client.GetJSON(context.Background(), p, nil)
		assert.True(t, errors.Is(err, apperr.ErrValidationFailed), p)
	}
	assert.Empty(t, api.requests())
}

func TestRedirectToAnotherHostCarriesNoCredential(t *testing.T) {
	foreign := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "who are you"})
	})
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, foreign.URL+"/collect", http.StatusFound)
	})
	f := newFixture(t, api, false)

	err := f.client.GetJSON(context.Background(), "/listings", nil)
	require.Error(t, err)

	require.Len(t, api.requests(), 1)
	assert.Equal(t, "Bearer backend-1", api.requests()[0].auth)

	seen := foreign.requests()
	require.Len(t, seen, 1, "a 401 from another host is not retried")
	assert.Empty(t, seen[0].auth)
	assert.Equal(t, 0, f.fake.Mints())
	assert.Equal(t, int32(0), f.invalidator.calls.Load())
}

func TestRedirectWithinAPIKeepsCredential(t *testing.T) {
	accept := acceptToken("backend-1")
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old-listings" {
			http.Redirect(w, r, "/listings", http.StatusMovedPermanently)
			return
		}
		accept(w, r)
	})
	f := newFixture(t, api, false)

	var out map[string]string
	require.NoError(t, f.client.GetJSON(context.Background(), "/old-listings", &out))
	assert.Equal(t, "ok", out["status"])

	seen := api.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer backend-1", seen[1].auth)
}

func TestUnparsableBaseAttachesNothing(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nil)
	})
	f := newFixture(t, api, false)
	client := New(api.URL, 5*time.Second, NewTransport(nil, "not a url", f.fake, f.store, f.invalidator, false))

	require.NoError(t, client.GetJSON(context.Background(), "/me", nil))
	assert.Empty(t, api.requests()[0].auth)
}

func TestDecodeFailure(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("not json"))
	})
	f := newFixture(t, api, false)

	var out map[string]any
	err := f.client.GetJSON(context.Background(), "/me", &out)
	assert.Equal(t, apperr.ServerError, apperr.KindOf(err))
}
