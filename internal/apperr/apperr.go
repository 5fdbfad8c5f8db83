// Package apperr defines the user-facing error taxonomy shared by the session
// reconciler, the HTTP client wrapper and the UI shell.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how the user experiences it
type Kind int

const (
	Unknown Kind = iota
	ProviderSignInFailed
	BackendVerificationFailed
	CredentialExpired
	AuthenticationRequired
	AuthorizationDenied
	NetworkUnreachable
	ResourceNotFound
	ValidationFailed
	ServerError
)

var kindNames = map[Kind]string{
	Unknown:                   "unknown",
	ProviderSignInFailed:      "provider_sign_in_failed",
	BackendVerificationFailed: "backend_verification_failed",
	CredentialExpired:         "credential_expired",
	AuthenticationRequired:    "authentication_required",
	AuthorizationDenied:       "authorization_denied",
	NetworkUnreachable:        "network_unreachable",
	ResourceNotFound:          "resource_not_found",
	ValidationFailed:          "validation_failed",
	ServerError:               "server_error",
}

var userMessages = map[Kind]string{
	Unknown:                   "Something went wrong. Please try again.",
	ProviderSignInFailed:      "Sign-in was not completed. Please try again.",
	BackendVerificationFailed: "We could not verify your account. Please sign in again.",
	CredentialExpired:         "Your session expired. Please try again.",
	AuthenticationRequired:    "Please sign in to continue.",
	AuthorizationDenied:       "You do not have permission to do that.",
	NetworkUnreachable:        "Cannot reach the server. Check your connection.",
	ResourceNotFound:          "The requested item was not found.",
	ValidationFailed:          "The request was invalid.",
	ServerError:               "The server had a problem. Please try again later.",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Unknown]
}

// UserMessage returns the default notification text for the kind
func (k Kind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[Unknown]
}

// Presentation says how the shell surfaces an error
type Presentation string

const (
	Dismissible     Presentation = "notification"
	RedirectToLogin Presentation = "redirect_login"
)

// Presentation returns how errors of this kind are shown to the user
func (k Kind) Presentation() Presentation {
	if k == AuthenticationRequired {
		return RedirectToLogin
	}
	return Dismissible
}

// Error is a classified failure. Message carries the backend's own text for
// ResourceNotFound and ValidationFailed.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.UserMessage()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels, so errors.Is(err, apperr.ErrCredentialExpired) works
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil && t.Status == 0
}

// UserMessage is the text shown in the notification
func (e *Error) UserMessage() string {
	if e.Message != "" && (e.Kind == ResourceNotFound || e.Kind == ValidationFailed) {
		return e.Message
	}
	return e.Kind.UserMessage()
}

// Kind sentinels for errors.Is
var (
	ErrProviderSignInFailed      = &Error{Kind: ProviderSignInFailed}
	ErrBackendVerificationFailed = &Error{Kind: BackendVerificationFailed}
	ErrCredentialExpired         = &Error{Kind: CredentialExpired}
	ErrAuthenticationRequired    = &Error{Kind: AuthenticationRequired}
	ErrAuthorizationDenied       = &Error{Kind: AuthorizationDenied}
	ErrNetworkUnreachable        = &Error{Kind: NetworkUnreachable}
	ErrResourceNotFound          = &Error{Kind: ResourceNotFound}
	ErrValidationFailed          = &Error{Kind: ValidationFailed}
	ErrServerError               = &Error{Kind: ServerError}
)

// New creates a classified error wrapping cause
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP status. backendMessage is kept verbatim.
func FromStatus(status int, backendMessage string) *Error {
	e := &Error{Status: status, Message: backendMessage}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = CredentialExpired
	case status == http.StatusForbidden:
		e.Kind = AuthorizationDenied
	case status == http.StatusNotFound:
		e.Kind = ResourceNotFound
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		e.Kind = ValidationFailed
	case status >= 500:
		e.Kind = ServerError
	default:
		e.Kind = Unknown
	}
	return e
}

// KindOf extracts the kind of err, or Unknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
