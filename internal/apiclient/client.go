package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/ioutil"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/urlutil"
)

// Client calls the protected API with an authenticating transport and
// classifies every failure into the apperr taxonomy
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for baseURL. transport is normally a *Transport.
func New(baseURL string, timeout time.Duration, transport http.RoundTripper) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}
}

// BaseURL returns the API base URL requests are resolved against
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewRequest builds a request for an API path such as "/listings?page=2".
// Bodies built from bytes, strings and readers of those types are replayable.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target, err := urlutil.ResolveAPIPath(c.baseURL, path)
	if err != nil {
		return nil, apperr.New(apperr.ValidationFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperr.New(apperr.ValidationFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req. The response is returned whatever its status; transport
// failures come back as NetworkUnreachable and an exhausted session as
// AuthenticationRequired.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var aerr *apperr.Error
		if errors.As(err, &aerr) {
			return nil, aerr
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.LogWarnWithFields("apiclient", "API unreachable", map[string]any{
			"method": req.Method,
			"path":   req.URL.Path,
			"error":  err.Error(),
		})
		return nil, apperr.New(apperr.NetworkUnreachable, err)
	}

	log.LogTraceWithFields("apiclient", "API response", map[string]any{
		"method":   req.Method,
		"path":     req.URL.Path,
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	})
	return resp, nil
}

// errorBody is the backend's error envelope
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// CheckResponse returns nil for a 2xx response. Otherwise it consumes the
// body and classifies the status, keeping the backend's message verbatim.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	defer resp.Body.Close()

	var msg string
	if raw, err := ioutil.ReadLimited(resp.Body, ioutil.MaxBodySize); err == nil && len(raw) > 0 {
		var body errorBody
		if json.Unmarshal(raw, &body) == nil {
			msg = body.Message
			if msg == "" {
				msg = body.Error
			}
		}
	}
	return apperr.FromStatus(resp.StatusCode, msg)
}

// DoJSON sends in as the JSON body (nil for none) and decodes a 2xx
// response into out (nil to discard)
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.New(apperr.ValidationFailed, fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	if err := CheckResponse(resp); err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, err := ioutil.ReadLimited(resp.Body, ioutil.MaxBodySize)
	if err != nil {
		return apperr.New(apperr.NetworkUnreachable, fmt.Errorf("reading response: %w", err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.New(apperr.ServerError, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// GetJSON is DoJSON with GET and no body
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, out)
}

// PostJSON is DoJSON with POST
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	return c.DoJSON(ctx, http.MethodPost, path, in, out)
}
