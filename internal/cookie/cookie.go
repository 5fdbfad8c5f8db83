package cookie

import (
	"net/http"
	"time"

	"github.com/dgellow/estate-session/internal/envutil"
	"github.com/dgellow/estate-session/internal/log"
)

// Cookie names used by the shell
const (
	LoginNonceCookie = "estate_login"
	CSRFCookie       = "estate_csrf"
)

// SetLoginNonce binds a pending login redirect to this browser. It must
// survive the cross-site redirect back from the provider, hence Lax.
func SetLoginNonce(w http.ResponseWriter, nonce string, maxAge time.Duration) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     LoginNonceCookie,
		Value:    nonce,
		Path:     "/oauth/callback",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Login nonce cookie set", map[string]any{
		"maxAge": maxAge.String(),
		"secure": secure,
	})
}

// ClearLoginNonce removes the login nonce cookie
func ClearLoginNonce(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   LoginNonceCookie,
		Value:  "",
		Path:   "/oauth/callback",
		MaxAge: -1,
	})
}

// SetCSRF sets a CSRF token cookie
func SetCSRF(w http.ResponseWriter, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: false, // CSRF tokens need to be readable by JavaScript
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(maxAge.Seconds()),
	})
}

// Clear removes a cookie by setting MaxAge to -1
func Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:   name,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
