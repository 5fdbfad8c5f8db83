package browserauth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizationState_JSON(t *testing.T) {
	data, err := json.Marshal(AuthorizationState{Nonce: "abc", ReturnURL: "/wishlist"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"nonce":"abc","return_url":"/wishlist"}`, string(data))
}

func TestSanitizeReturnURL(t *testing.T) {
	tests := map[string]string{
		"":                          "/",
		"/agent/properties":         "/agent/properties",
		"/search?city=Lyon&beds=2":  "/search?city=Lyon&beds=2",
		"https://evil.example.com/": "/",
		"//evil.example.com/path":   "/",
		"/\\evil.example.com":       "/",
		"relative/path":             "/",
		"javascript:alert(1)":       "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeReturnURL(in), in)
	}
}
