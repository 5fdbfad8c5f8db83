package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dgellow/estate-session/internal/apiclient"
	"github.com/dgellow/estate-session/internal/backend"
	"github.com/dgellow/estate-session/internal/config"
	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/crypto"
	"github.com/dgellow/estate-session/internal/guard"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/refresh"
	"github.com/dgellow/estate-session/internal/server"
	"github.com/dgellow/estate-session/internal/session"
	"github.com/dgellow/estate-session/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// EstateSession is the assembled client session stack: durable storage, the
// credential store, the identity provider, the reconciler, the refresh timer,
// the authenticated API client and the UI shell.
type EstateSession struct {
	config     config.Config
	kv         storage.KeyValue
	store      *credstore.Store
	provider   *idp.OAuthProvider
	reconciler *session.Reconciler
	refresher  *refresh.Refresher
	api        *apiclient.Client
	httpServer *server.HTTPServer

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	browser    idp.Browser
	httpClient *http.Client
}

// Option customises NewEstateSession
type Option func(*options)

// WithBrowser replaces the function that opens the sign-in page
func WithBrowser(b idp.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithHTTPClient sets the client used for identity provider requests
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// NewEstateSession builds every component in dependency order and starts the
// reconciler. The shell server and the refresh timer start with Run.
func NewEstateSession(ctx context.Context, cfg config.Config, opts ...Option) (*EstateSession, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log.LogInfoWithFields("app", "Building session stack", map[string]any{
		"provider": string(cfg.Identity.Provider),
		"storage":  string(cfg.Storage.Kind),
		"api":      cfg.API.BaseURL,
	})

	kv, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	app := &EstateSession{config: cfg, kv: kv}
	fail := func(err error) (*EstateSession, error) {
		_ = app.Close()
		return nil, err
	}

	app.store = credstore.New(kv)

	app.provider, err = idp.NewProvider(ctx, cfg.Identity, idp.Options{
		Storage:    kv,
		Browser:    o.browser,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to setup identity provider: %w", err))
	}
	if _, err := app.provider.Restore(ctx); err != nil {
		log.LogWarnWithFields("app", "Could not restore provider session", map[string]any{
			"error": err.Error(),
		})
	}

	verifier := backend.NewHTTPVerifier(cfg.Backend.BaseURL, cfg.Backend.Timeout, nil)
	app.reconciler = session.New(app.provider, verifier, app.store)
	if err := app.reconciler.Start(ctx); err != nil {
		return fail(fmt.Errorf("failed to start reconciler: %w", err))
	}

	interval := cfg.Refresh.Interval
	if cfg.Refresh.Disabled {
		interval = 0
	}
	app.refresher = refresh.New(app.provider, app.store, interval)

	transport := apiclient.NewTransport(nil, cfg.API.BaseURL, app.provider, app.store, app.reconciler, cfg.API.PreferProviderToken)
	app.api = apiclient.New(cfg.API.BaseURL, cfg.API.Timeout, transport)

	routes, err := guard.NewTable(cfg.Shell.Routes)
	if err != nil {
		return fail(fmt.Errorf("invalid shell routes: %w", err))
	}
	secret, err := stateSecret(cfg.Shell)
	if err != nil {
		return fail(err)
	}
	var flow idp.RedirectFlow
	if redirectsToShell(cfg) {
		flow = app.provider
	}
	shell := server.NewShell(app.reconciler, app.api, flow, routes, secret)
	app.httpServer = server.NewHTTPServer(server.NewRouter(shell, cfg.Shell.AllowedOrigins), cfg.Shell.Addr)

	return app, nil
}

// stateSecret returns the configured signing secret for login state and CSRF
// tokens, or a random one that lasts for this process
func stateSecret(cfg config.ShellConfig) ([]byte, error) {
	if cfg.StateSecret != "" {
		return []byte(cfg.StateSecret), nil
	}
	log.LogWarnWithFields("app", "No shell stateSecret configured; login links will not survive a restart", nil)
	secret, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("generating state secret: %w", err)
	}
	return secret, nil
}

// redirectsToShell reports whether the provider sends the browser back to
// the shell's /oauth/callback, in which case the shell drives the redirect
// flow. Otherwise sign-in runs on the provider's loopback listener.
func redirectsToShell(cfg config.Config) bool {
	redirect, err := url.Parse(cfg.Identity.RedirectURI)
	if err != nil {
		return false
	}
	base, err := url.Parse(cfg.Shell.BaseURL)
	if err != nil {
		return false
	}
	return redirect.Host == base.Host && redirect.Path == "/oauth/callback"
}

// Reconciler returns the session reconciler
func (a *EstateSession) Reconciler() *session.Reconciler { return a.reconciler }

// API returns the authenticated API client
func (a *EstateSession) API() *apiclient.Client { return a.api }

// Credentials returns the credential store
func (a *EstateSession) Credentials() *credstore.Store { return a.store }

// Refresher returns the background refresh timer
func (a *EstateSession) Refresher() *refresh.Refresher { return a.refresher }

// Run serves the shell and runs the refresh timer until ctx ends, SIGINT or
// SIGTERM arrives, or the server fails
func (a *EstateSession) Run(ctx context.Context) error {
	log.LogInfoWithFields("app", "Starting session shell", map[string]any{
		"addr": a.config.Shell.Addr,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	a.refresher.Start(gctx)

	if a.config.Storage.Watch {
		if w, ok := a.kv.(storage.Watcher); ok {
			if err := w.Watch(gctx, a.reconciler.ExternalChange); err != nil {
				return fmt.Errorf("watching storage: %w", err)
			}
			log.LogInfoWithFields("app", "Watching storage for changes from other processes", nil)
		}
	}

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		reason := "context cancelled"
		if cause := context.Cause(gctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
			"reason":  reason,
			"timeout": shutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	err := g.Wait()
	a.refresher.Stop()
	if err != nil {
		log.LogErrorWithFields("app", "Shell stopped with error", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	log.LogInfoWithFields("app", "Shell shutdown complete", nil)
	return nil
}

// Close releases everything NewEstateSession built. The refresh timer stops
// before the reconciler it feeds, and storage closes last.
func (a *EstateSession) Close() error {
	a.closeOnce.Do(func() {
		if a.refresher != nil {
			a.refresher.Stop()
		}
		if a.reconciler != nil {
			_ = a.reconciler.Close()
		}
		if a.kv != nil {
			a.closeErr = a.kv.Close()
		}
	})
	return a.closeErr
}
