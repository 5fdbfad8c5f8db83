package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPVerifier_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/google", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req VerifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, VerifyRequest{Token: "id-token", Email: "dana@example.com", Name: "Dana", Image: "https://cdn/d.png"}, req)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"token":"backend-1","user":{"id":"u1","name":"Dana","email":"dana@example.com","avatarUrl":"https://cdn/d.png","role":"agent","isFraud":true}}`))
	}))
	defer server.Close()

	v := NewHTTPVerifier(server.URL, time.Second, nil)
	resp, err := v.Verify(context.Background(), "google", VerifyRequest{
		Token: "id-token", Email: "dana@example.com", Name: "Dana", Image: "https://cdn/d.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "backend-1", resp.Token)
	assert.Equal(t, account.User{
		ID: "u1", Name: "Dana", Email: "dana@example.com", AvatarURL: "https://cdn/d.png",
		Role: account.RoleAgent, IsFraud: true,
	}, resp.User)
}

func TestHTTPVerifier_DefaultRole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"token":"t","user":{"id":"u2","image":"https://cdn/i.png"}}`))
	}))
	defer server.Close()

	resp, err := NewHTTPVerifier(server.URL+"/", time.Second, nil).Verify(context.Background(), "google", VerifyRequest{Token: "x"})
	require.NoError(t, err)
	assert.Equal(t, account.RoleUser, resp.User.Role)
	assert.Equal(t, "https://cdn/i.png", resp.User.AvatarURL)
}

func TestHTTPVerifier_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"message":"token audience mismatch"}`, wantMsg: "token audience mismatch"},
		{name: "server error without json", status: http.StatusBadGateway, body: `<html>`, wantMsg: "status 502"},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"message":"account suspended"}`, wantMsg: "account suspended"},
		{name: "missing token", status: http.StatusOK, body: `{"success":true,"user":{"id":"u"}}`, wantMsg: "no token"},
		{name: "missing user", status: http.StatusOK, body: `{"success":true,"token":"t"}`, wantMsg: "no user"},
		{name: "unknown role", status: http.StatusOK, body: `{"success":true,"token":"t","user":{"id":"u","role":"owner"}}`, wantMsg: "unknown role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPVerifier(server.URL, time.Second, nil).Verify(context.Background(), "google", VerifyRequest{Token: "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRejected)
			assert.Contains(t, err.Error(), tt.wantMsg)

			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			assert.Equal(t, tt.status, rejected.Status)
		})
	}
}

func TestHTTPVerifier_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPVerifier(url, time.Second, nil).Verify(context.Background(), "google", VerifyRequest{Token: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestHTTPVerifier_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewHTTPVerifier(server.URL, 5*time.Second, nil).Verify(ctx, "google", VerifyRequest{Token: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
