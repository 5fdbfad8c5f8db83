// Package backend talks to the marketplace's verification endpoint, which
// trades a provider identity token for an application credential.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/ioutil"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/urlutil"
)

var (
	// ErrRejected is returned when the backend refused the identity
	ErrRejected = errors.New("backend rejected identity")
	// ErrUnreachable is returned when the backend could not be contacted
	ErrUnreachable = errors.New("backend unreachable")
)

// VerifyRequest is the body of POST /auth/<provider>
type VerifyRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// VerifyResponse is the backend's answer
type VerifyResponse struct {
	Token string
	User  account.User
}

// Verifier exchanges a provider token for a backend credential
type Verifier interface {
	Verify(ctx context.Context, provider string, req VerifyRequest) (*VerifyResponse, error)
}

// RejectedError carries the backend's message
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend rejected identity: status %d", e.Status)
	}
	return fmt.Sprintf("backend rejected identity: %s", e.Message)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// HTTPVerifier implements Verifier over HTTP
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier creates a verifier. client may be nil.
func NewHTTPVerifier(baseURL string, timeout time.Duration, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPVerifier{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type verifyResponseBody struct {
	Success bool            `json:"success"`
	Token   string          `json:"token"`
	User    json.RawMessage `json:"user"`
	Message string          `json:"message"`
}

type userBody struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
	Image     string `json:"image"`
	Role      string `json:"role"`
	IsFraud   bool   `json:"isFraud"`
}

// Verify posts the provider token and decodes the application user
func (v *HTTPVerifier) Verify(ctx context.Context, provider string, req VerifyRequest) (*VerifyResponse, error) {
	endpoint, err := urlutil.JoinPath(v.baseURL, "auth", provider)
	if err != nil {
		return nil, fmt.Errorf("building verification URL: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding verification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := v.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadLimited(resp.Body, ioutil.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	log.LogDebugWithFields("backend", "Verification response", map[string]any{
		"provider": provider,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})

	var parsed verifyResponseBody
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parsed.Message
		if decodeErr != nil {
			msg = ""
		}
		return nil, &RejectedError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding verification response: %w", decodeErr)
	}
	if !parsed.Success {
		return nil, &RejectedError{Status: resp.StatusCode, Message: parsed.Message}
	}
	if parsed.Token == "" {
		return nil, &RejectedError{Status: resp.StatusCode, Message: "response has no token"}
	}

	user, err := decodeUser(parsed.User)
	if err != nil {
		return nil, &RejectedError{Status: resp.StatusCode, Message: err.Error()}
	}
	return &VerifyResponse{Token: parsed.Token, User: user}, nil
}

func decodeUser(raw json.RawMessage) (account.User, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return account.User{}, fmt.Errorf("response has no user")
	}
	var u userBody
	if err := json.Unmarshal(raw, &u); err != nil {
		return account.User{}, fmt.Errorf("decoding user: %w", err)
	}
	role, err := account.ParseRole(u.Role)
	if err != nil {
		return account.User{}, err
	}
	avatar := u.AvatarURL
	if avatar == "" {
		avatar = u.Image
	}
	user := account.User{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: avatar,
		Role:      role,
		IsFraud:   u.IsFraud,
	}
	if err := user.Validate(); err != nil {
		return account.User{}, err
	}
	return user, nil
}
