// Package refresh keeps the stored token fresh while a provider session exists.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/log"
)

// DefaultInterval is how often the token is refreshed
const DefaultInterval = 10 * time.Minute

// TokenMinter is the part of idp.Provider the refresher needs
type TokenMinter interface {
	CurrentSession() *idp.Session
	MintToken(ctx context.Context, forceRefresh bool) (string, error)
}

// Refresher periodically forces a provider token refresh and writes it
// through the credential store. Failures are logged; it never signs out.
type Refresher struct {
	provider TokenMinter
	store    *credstore.Store
	interval time.Duration

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a refresher. An interval of zero or less disables the loop
// but Tick still works.
func New(provider TokenMinter, store *credstore.Store, interval time.Duration) *Refresher {
	return &Refresher{
		provider: provider,
		store:    store,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the refresh loop in a goroutine
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	if r.interval <= 0 {
		log.LogInfoWithFields("refresh", "Background token refresh disabled", nil)
		return
	}
	r.started = true

	log.LogInfoWithFields("refresh", "Starting background token refresh", map[string]any{
		"interval": r.interval.String(),
	})
	go r.run(ctx)
}

// Stop ends the loop and waits for an in-progress tick. Safe to call more
// than once, and before Start.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stopChan)
	r.mu.Unlock()

	if started {
		<-r.doneChan
		log.LogDebugWithFields("refresh", "Background token refresh stopped", nil)
	}
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.Tick(ctx)
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one refresh. With no provider session it does nothing at all.
// A credential superseded while the token was being minted is left alone.
func (r *Refresher) Tick(ctx context.Context) error {
	session := r.provider.CurrentSession()
	if session == nil {
		log.LogTraceWithFields("refresh", "No provider session, skipping refresh", nil)
		return nil
	}

	cred, ok := r.store.Current()
	if !ok || cred.IssuedFor != session.Key() {
		// the reconciler has not established a credential for this session yet
		log.LogTraceWithFields("refresh", "No credential for the provider session, skipping refresh", map[string]any{
			"subject": session.Key(),
		})
		return nil
	}

	token, err := r.provider.MintToken(ctx, true)
	if err != nil {
		log.LogErrorWithFields("refresh", "Token refresh failed", map[string]any{
			"subject": cred.IssuedFor,
			"error":   err.Error(),
		})
		return fmt.Errorf("minting token: %w", err)
	}

	next, err := r.store.Rotate(ctx, cred.Generation, cred.IssuedFor, token)
	if errors.Is(err, credstore.ErrStale) {
		log.LogDebugWithFields("refresh", "Credential superseded during refresh, discarding token", map[string]any{
			"subject": cred.IssuedFor,
		})
		return nil
	}
	if err != nil {
		log.LogErrorWithFields("refresh", "Failed to store refreshed token", map[string]any{
			"subject": cred.IssuedFor,
			"error":   err.Error(),
		})
		return err
	}

	log.LogDebugWithFields("refresh", "Refreshed token", map[string]any{
		"subject":     next.IssuedFor,
		"fingerprint": next.Fingerprint(),
	})
	return nil
}
