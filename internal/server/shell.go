package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/apiclient"
	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/browserauth"
	"github.com/dgellow/estate-session/internal/cookie"
	"github.com/dgellow/estate-session/internal/crypto"
	"github.com/dgellow/estate-session/internal/guard"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/ioutil"
	jsonwriter "github.com/dgellow/estate-session/internal/json"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/session"
	"github.com/dgellow/estate-session/internal/sse"
	"github.com/gorilla/mux"
)

const (
	csrfHeader    = "X-CSRF-Token"
	loginTTL      = 10 * time.Minute
	csrfTTL       = 12 * time.Hour
	settleTimeout = 30 * time.Second
	keepAlive     = 25 * time.Second
)

// Sessions is the part of session.Reconciler the shell drives
type Sessions interface {
	State() session.State
	WaitFor(ctx context.Context, ready func(session.State) bool) (session.State, error)
	SignIn(ctx context.Context) (session.State, error)
	SignOut(ctx context.Context) error
	Subscribe(fn func(session.State)) (unsubscribe func())
}

var _ Sessions = (*session.Reconciler)(nil)

// Shell serves the local UI shell: session introspection, login and logout,
// guarded application routes and an authenticated API passthrough.
type Shell struct {
	sessions Sessions
	api      *apiclient.Client
	flow     idp.RedirectFlow
	routes   *guard.Table
	state    crypto.TokenSigner
	csrf     crypto.CSRFProtection
}

// NewShell creates the shell handlers. flow may be nil, in which case /login
// runs the provider's own interactive sign-in.
func NewShell(sessions Sessions, api *apiclient.Client, flow idp.RedirectFlow, routes *guard.Table, secret []byte) *Shell {
	return &Shell{
		sessions: sessions,
		api:      api,
		flow:     flow,
		routes:   routes,
		state:    crypto.NewTokenSigner(secret, loginTTL),
		csrf:     crypto.NewCSRFProtection(secret, csrfTTL),
	}
}

// NewRouter builds the shell router. Fixed endpoints take precedence over
// configured guarded routes.
func NewRouter(shell *Shell, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	r.Handle("/health", NewHealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/session", shell.SessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/session/events", shell.EventsHandler).Methods(http.MethodGet)
	r.HandleFunc("/login", shell.LoginHandler).Methods(http.MethodGet)
	r.HandleFunc("/oauth/callback", shell.CallbackHandler).Methods(http.MethodGet)
	r.HandleFunc("/logout", shell.LogoutHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/{path:.*}", shell.APIHandler).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete)

	r.PathPrefix("/").HandlerFunc(shell.GuardedHandler).Methods(http.MethodGet)

	return ChainMiddleware(r,
		NewCORSMiddleware(allowedOrigins),
		NewLoggerMiddleware("server"),
		NewRequestIDMiddleware(),
		NewRecoverMiddleware("server"),
	)
}

// errorView is how a classified error reaches the shell
func errorView(err *apperr.Error) jsonwriter.ErrorResponse {
	return jsonwriter.ErrorResponse{
		Error:        err.Kind.String(),
		Message:      err.UserMessage(),
		Presentation: string(err.Kind.Presentation()),
	}
}

// statusOf picks the shell response status for a classified error
func statusOf(err *apperr.Error) int {
	switch err.Kind {
	case apperr.CredentialExpired, apperr.AuthenticationRequired, apperr.BackendVerificationFailed:
		return http.StatusUnauthorized
	case apperr.AuthorizationDenied:
		return http.StatusForbidden
	case apperr.ResourceNotFound:
		return http.StatusNotFound
	case apperr.ValidationFailed:
		if err.Status >= 400 && err.Status < 500 {
			return err.Status
		}
		return http.StatusBadRequest
	case apperr.NetworkUnreachable, apperr.ServerError, apperr.ProviderSignInFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	var aerr *apperr.Error
	if !errors.As(err, &aerr) {
		aerr = apperr.New(apperr.Unknown, err)
	}
	jsonwriter.WriteErrorResponse(w, statusOf(aerr), errorView(aerr))
}

type sessionView struct {
	Phase   string                    `json:"phase"`
	Subject string                    `json:"subject,omitempty"`
	User    *account.User             `json:"user,omitempty"`
	Error   *jsonwriter.ErrorResponse `json:"error,omitempty"`
	CSRF    string                    `json:"csrf,omitempty"`
}

func viewOf(st session.State) sessionView {
	view := sessionView{
		Phase:   st.Phase.String(),
		Subject: st.Subject,
		User:    st.User,
	}
	if st.Err != nil {
		e := errorView(st.Err)
		view.Error = &e
	}
	return view
}

// SessionHandler reports the current reconciler state. Any state with a
// subject carries the CSRF token POST /logout requires, so a stuck exchange
// can still be signed out of.
func (s *Shell) SessionHandler(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.State()
	view := viewOf(st)
	if logoutNeedsToken(st) {
		token, err := s.csrf.Generate(st.Subject)
		if err != nil {
			log.LogErrorWithFields("server", "Failed to generate CSRF token", map[string]any{
				"error": err.Error(),
			})
			jsonwriter.WriteInternalServerError(w, "Failed to generate CSRF token")
			return
		}
		view.CSRF = token
		cookie.SetCSRF(w, token, csrfTTL)
	}
	w.Header().Set("Cache-Control", "no-store")
	_ = jsonwriter.Write(w, view)
}

// EventsHandler streams the session as server-sent "session" events: the
// current state first, then the latest state after each change. A slow
// reader skips intermediate states. Events carry no CSRF token.
func (s *Shell) EventsHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonwriter.WriteInternalServerError(w, "Streaming unsupported")
		return
	}

	updates := make(chan session.State, 1)
	unsubscribe := s.sessions.Subscribe(func(st session.State) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- st:
		default:
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := sse.WriteEvent(w, flusher, "session", viewOf(s.sessions.State())); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case st := <-updates:
			if err := sse.WriteEvent(w, flusher, "session", viewOf(st)); err != nil {
				log.LogDebugWithFields("server", "Session stream closed", map[string]any{
					"error": err.Error(),
				})
				return
			}
		case <-ticker.C:
			if err := sse.WriteComment(w, flusher, "keepalive"); err != nil {
				return
			}
		}
	}
}

// LoginHandler starts sign-in and returns the user to ?return= afterwards
func (s *Shell) LoginHandler(w http.ResponseWriter, r *http.Request) {
	returnURL := browserauth.SanitizeReturnURL(r.URL.Query().Get("return"))

	if s.sessions.State().Authenticated() {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}

	if s.flow == nil {
		st, err := s.sessions.SignIn(r.Context())
		if err != nil {
			log.LogWarnWithFields("server", "Interactive sign-in failed", map[string]any{
				"error": err.Error(),
			})
			writeAppError(w, err)
			return
		}
		if !st.Authenticated() {
			writeAppError(w, apperr.New(apperr.ProviderSignInFailed, idp.ErrNoSession))
			return
		}
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}

	nonce, err := crypto.GenerateSecureToken()
	if err != nil {
		log.LogError("Failed to generate login nonce: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to generate authentication state")
		return
	}
	state, err := s.state.Sign(browserauth.AuthorizationState{Nonce: nonce, ReturnURL: returnURL})
	if err != nil {
		log.LogError("Failed to sign login state: %v", err)
		jsonwriter.WriteInternalServerError(w, "Failed to generate authentication state")
		return
	}

	cookie.SetLoginNonce(w, nonce, loginTTL)
	log.LogDebugWithFields("server", "Redirecting to identity provider", map[string]any{
		"return": returnURL,
	})
	http.Redirect(w, r, s.flow.AuthURL(state), http.StatusFound)
}

// CallbackHandler completes the redirect sign-in and waits for the backend
// exchange before sending the user back where they came from
func (s *Shell) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if s.flow == nil {
		jsonwriter.WriteNotFound(w, "Redirect sign-in is not enabled")
		return
	}

	q := r.URL.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		log.LogWarnWithFields("server", "Identity provider returned an error", map[string]any{
			"error":       errMsg,
			"description": q.Get("error_description"),
		})
		cookie.ClearLoginNonce(w)
		writeAppError(w, apperr.New(apperr.ProviderSignInFailed, errors.New(errMsg)))
		return
	}

	code, rawState := q.Get("code"), q.Get("state")
	if code == "" || rawState == "" {
		jsonwriter.WriteBadRequest(w, "Invalid callback parameters")
		return
	}

	var state browserauth.AuthorizationState
	if err := s.state.Verify(rawState, &state); err != nil {
		log.LogWarnWithFields("server", "Invalid login state", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "Invalid state parameter")
		return
	}
	nonce, err := cookie.Get(r, cookie.LoginNonceCookie)
	if err != nil || nonce == "" || subtle.ConstantTimeCompare([]byte(nonce), []byte(state.Nonce)) != 1 {
		log.LogWarnWithFields("server", "Login state does not belong to this browser", nil)
		jsonwriter.WriteBadRequest(w, "Invalid state parameter")
		return
	}
	cookie.ClearLoginNonce(w)

	ctx, cancel := context.WithTimeout(r.Context(), settleTimeout)
	defer cancel()

	before := s.sessions.State().Generation
	sess, err := s.flow.CompleteSignIn(ctx, code)
	if err != nil {
		log.LogWarnWithFields("server", "Completing sign-in failed", map[string]any{
			"error": err.Error(),
		})
		writeAppError(w, apperr.New(apperr.ProviderSignInFailed, err))
		return
	}

	key := sess.Key()
	st, err := s.sessions.WaitFor(ctx, func(st session.State) bool {
		if st.Phase == session.SignedIn && st.Subject == key {
			return true
		}
		return st.Phase == session.SignedOut && st.Generation > before
	})
	if err != nil {
		writeAppError(w, apperr.New(apperr.NetworkUnreachable, err))
		return
	}
	if !st.Authenticated() {
		if st.Err != nil {
			writeAppError(w, st.Err)
			return
		}
		writeAppError(w, apperr.New(apperr.ProviderSignInFailed, idp.ErrNoSession))
		return
	}

	http.Redirect(w, r, browserauth.SanitizeReturnURL(state.ReturnURL), http.StatusFound)
}

func logoutNeedsToken(st session.State) bool {
	return st.Phase != session.SignedOut && st.Subject != ""
}

// LogoutHandler signs out. A signed-in or exchanging session requires the
// CSRF token issued by GET /session for the same subject.
func (s *Shell) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.State()
	if logoutNeedsToken(st) {
		token := r.Header.Get(csrfHeader)
		if token == "" {
			token = r.FormValue("csrf")
		}
		if !s.csrf.Validate(token, st.Subject) {
			log.LogWarnWithFields("server", "Logout rejected: invalid CSRF token", nil)
			jsonwriter.WriteForbidden(w, "Invalid CSRF token")
			return
		}
	}

	if err := s.sessions.SignOut(r.Context()); err != nil {
		// The in-memory session is gone even when durable cleanup failed
		log.LogWarnWithFields("server", "Sign-out incomplete", map[string]any{
			"error": err.Error(),
		})
	}
	cookie.Clear(w, cookie.CSRFCookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type routeView struct {
	Route string        `json:"route"`
	Path  string        `json:"path"`
	User  *account.User `json:"user"`
}

type pendingView struct {
	Phase string `json:"phase"`
}

// GuardedHandler serves the configured application routes. The route's
// requirement and the current state decide the response.
func (s *Shell) GuardedHandler(w http.ResponseWriter, r *http.Request) {
	var route guard.Route
	ok := false
	if s.routes != nil {
		route, ok = s.routes.Match(r.URL.Path)
	}
	if !ok {
		jsonwriter.WriteNotFound(w, "No such route")
		return
	}

	st := s.sessions.State()
	d := guard.DecideFor(route.Requirement, r.URL.RequestURI(), st)

	log.LogTraceWithFields("server", "Route decision", map[string]any{
		"route":    route.Pattern,
		"path":     r.URL.Path,
		"require":  route.Requirement.String(),
		"decision": d.Outcome.String(),
	})

	switch d.Outcome {
	case guard.Allow:
		_ = jsonwriter.Write(w, routeView{Route: route.Pattern, Path: r.URL.Path, User: st.User})
	case guard.RedirectToLogin:
		http.Redirect(w, r, "/login?return="+url.QueryEscape(d.Origin), http.StatusFound)
	case guard.RedirectToHome:
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		w.Header().Set("Retry-After", "1")
		_ = jsonwriter.WriteResponse(w, http.StatusAccepted, pendingView{Phase: st.Phase.String()})
	}
}

// APIHandler forwards /api/<path> to the protected API through the
// authenticating client, rendering failures in the shell's error shape
func (s *Shell) APIHandler(w http.ResponseWriter, r *http.Request) {
	path := "/" + mux.Vars(r)["path"]
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		raw, err := ioutil.ReadLimited(r.Body, ioutil.MaxBodySize)
		if err != nil {
			writeAppError(w, apperr.New(apperr.ValidationFailed, err))
			return
		}
		if len(raw) > 0 {
			body = bytes.NewReader(raw)
		}
	}

	req, err := s.api.NewRequest(r.Context(), r.Method, path, body)
	if err != nil {
		writeAppError(w, err)
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := s.api.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperr.New(apperr.NetworkUnreachable, err)
		}
		writeAppError(w, err)
		return
	}
	if err := apiclient.CheckResponse(resp); err != nil {
		writeAppError(w, err)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.LogDebugWithFields("server", "Copying API response interrupted", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
	}
}
