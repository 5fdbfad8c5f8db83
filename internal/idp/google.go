package idp

import (
	"encoding/json"

	"golang.org/x/oauth2/google"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// googleUserInfoResponse represents Google's userinfo response.
type googleUserInfoResponse struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// NewGoogleProvider creates a new Google OAuth provider.
func NewGoogleProvider(opts Options) *OAuthProvider {
	return newOAuthProvider("google", google.Endpoint, googleUserInfoURL, parseGoogleUserInfo, opts)
}

func parseGoogleUserInfo(body []byte) (*Session, error) {
	var u googleUserInfoResponse
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, err
	}
	return &Session{
		Subject:   u.Sub,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.Picture,
	}, nil
}
