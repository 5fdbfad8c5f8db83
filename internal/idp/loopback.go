package idp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"

	"github.com/dgellow/estate-session/internal/crypto"
	"github.com/dgellow/estate-session/internal/log"
)

// Browser opens url for the user
type Browser func(url string) error

// OpenBrowser opens url with the platform's default handler
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}

const signInDonePage = `<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><p>%s You can close this window.</p></body></html>`

type callbackResult struct {
	code string
	err  error
}

// SignIn runs the authorization code flow against a loopback listener on the
// redirect URI. It returns ErrSignInCancelled when the user denies access, the
// context ends or the sign-in times out.
func (p *OAuthProvider) SignIn(ctx context.Context) (*Session, error) {
	redirect, err := url.Parse(p.config.RedirectURL)
	if err != nil || redirect.Host == "" {
		return nil, fmt.Errorf("invalid redirect URI %q", p.config.RedirectURL)
	}

	state, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", redirect.Host, err)
	}

	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	path := redirect.EscapedPath()
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			fmt.Fprintf(w, signInDonePage, "Sign-in was cancelled.")
			if e == "access_denied" {
				deliver(callbackResult{err: ErrSignInCancelled})
			} else {
				deliver(callbackResult{err: fmt.Errorf("provider returned error: %s", e)})
			}
			return
		}
		fmt.Fprintf(w, signInDonePage, "Sign-in complete.")
		deliver(callbackResult{code: q.Get("code")})
	})

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			deliver(callbackResult{err: fmt.Errorf("callback server: %w", err)})
		}
	}()
	defer srv.Close()

	authURL := p.AuthURL(state)
	log.LogInfoWithFields("idp", "Opening browser for sign-in", map[string]any{
		"provider": p.providerType,
	})
	if err := p.browser(authURL); err != nil {
		return nil, fmt.Errorf("opening browser: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.signInTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return nil, ErrSignInCancelled
	case r := <-results:
		if r.err != nil {
			return nil, r.err
		}
		return p.CompleteSignIn(ctx, r.code)
	}
}
