package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/apperr"
	"github.com/dgellow/estate-session/internal/backend"
	"github.com/dgellow/estate-session/internal/credstore"
	"github.com/dgellow/estate-session/internal/idp"
	"github.com/dgellow/estate-session/internal/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultExchangeTimeout bounds one mint-and-verify round
	DefaultExchangeTimeout = 30 * time.Second

	// DefaultProfileTimeout bounds the best-effort profile mirror
	DefaultProfileTimeout = 5 * time.Second

	// DefaultSignInTimeout bounds a shared interactive sign-in
	DefaultSignInTimeout = 5 * time.Minute
)

// ErrClosed is returned by operations on a closed reconciler
var ErrClosed = errors.New("reconciler closed")

// Option configures a Reconciler
type Option func(*Reconciler)

// WithExchangeTimeout sets how long one exchange may take
func WithExchangeTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.exchangeTimeout = d
	}
}

// WithSignInTimeout sets how long a shared sign-in may run once every
// caller has stopped waiting
func WithSignInTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.signInTimeout = d
	}
}

// Reconciler keeps the backend credential in step with the provider session.
// Provider callbacks, sign-out requests and exchange results are all events
// on one mailbox, applied in arrival order by a single goroutine.
type Reconciler struct {
	provider idp.Provider
	verifier backend.Verifier
	store    *credstore.Store

	exchangeTimeout time.Duration
	signInTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// mailbox
	mbMu   sync.Mutex
	queue  []event
	wake   chan struct{}
	closed bool

	// published state
	mu      sync.RWMutex
	state   State
	changed chan struct{}

	// owned by the loop goroutine
	cur            State
	cancelExchange context.CancelFunc

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int

	sub       idp.Subscription
	startOnce sync.Once
	closeOnce sync.Once
	signIns   singleflight.Group
}

// New creates a reconciler in the Initializing phase. The event loop runs
// immediately; nothing happens until Start.
func New(provider idp.Provider, verifier backend.Verifier, store *credstore.Store, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		provider:        provider,
		verifier:        verifier,
		store:           store,
		exchangeTimeout: DefaultExchangeTimeout,
		signInTimeout:   DefaultSignInTimeout,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		wake:            make(chan struct{}, 1),
		changed:         make(chan struct{}),
		subs:            make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Start subscribes to the provider and restores the persisted state. A
// provider session whose subject matches the durable credential resumes as
// SignedIn without a new exchange.
func (r *Reconciler) Start(ctx context.Context) error {
	started := false
	r.startOnce.Do(func() {
		started = true
	})
	if !started {
		return errors.New("reconciler already started")
	}

	r.mbMu.Lock()
	if r.closed {
		r.mbMu.Unlock()
		return ErrClosed
	}
	r.sub = r.provider.OnSessionChange(r.onSessionChange)
	r.mbMu.Unlock()

	var cred *credstore.Credential
	if _, err := r.store.Load(ctx); err != nil {
		log.LogWarnWithFields("reconciler", "Could not read durable credential, will exchange again", map[string]any{
			"error": err.Error(),
		})
	} else if c, ok := r.store.Current(); ok {
		cred = &c
	}
	r.post(restored{session: r.provider.CurrentSession(), cred: cred})
	return nil
}

func (r *Reconciler) onSessionChange(s *idp.Session) {
	if s == nil {
		r.post(sessionDisappeared{})
		return
	}
	r.post(sessionAppeared{session: s})
}

// post enqueues ev without blocking. It reports false after Close.
func (r *Reconciler) post(ev event) bool {
	r.mbMu.Lock()
	if r.closed {
		r.mbMu.Unlock()
		return false
	}
	r.queue = append(r.queue, ev)
	r.mbMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Reconciler) pop() (event, bool) {
	r.mbMu.Lock()
	defer r.mbMu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	ev := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	if len(r.queue) == 0 {
		r.queue = nil
	}
	return ev, true
}

func (r *Reconciler) run() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		for {
			if r.ctx.Err() != nil {
				return
			}
			ev, ok := r.pop()
			if !ok {
				break
			}
			r.dispatch(ev)
		}
	}
}

// dispatch applies ev and any follow-up events its effects produce. Effects
// run before the new state is published, so a reader never sees SignedOut
// while the credential is still held, nor SignedIn before it is stored.
func (r *Reconciler) dispatch(ev event) {
	for ev != nil {
		prev := r.cur
		next, eff := transition(prev, ev)
		r.cur = next

		follow, err := r.apply(ev, next, eff)
		if next != prev {
			r.publish(prev, next)
		}
		if req, ok := ev.(signOutRequested); ok && req.done != nil {
			req.done <- err
		}
		ev = follow
	}
}

func (r *Reconciler) apply(ev event, next State, eff effect) (event, error) {
	var errs []error
	var follow event

	if eff.has(effCancel) {
		r.stopExchange()
	}
	if eff.has(effForget) {
		r.store.Forget()
	}
	if eff.has(effClear) {
		if err := r.store.Clear(r.ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if eff.has(effEndProvider) {
		if err := r.provider.SignOut(r.ctx); err != nil {
			log.LogErrorWithFields("reconciler", "Provider sign-out failed", map[string]any{
				"error": err.Error(),
			})
			errs = append(errs, err)
		}
	}
	if eff.has(effDropProvider) {
		if err := r.provider.Forget(r.ctx); err != nil {
			log.LogErrorWithFields("reconciler", "Provider forget failed", map[string]any{
				"error": err.Error(),
			})
			errs = append(errs, err)
		}
	}
	if eff.has(effCommit) {
		follow = r.commit(ev.(exchangeVerified))
	}
	if eff.has(effExchange) {
		r.startExchange(next.Generation, sessionOf(ev))
	}
	if eff.has(effMirror) && next.User != nil {
		r.mirror(next.User.Profile())
	}
	if eff.has(effReload) {
		follow = r.reload()
	}
	return follow, errors.Join(errs...)
}

func sessionOf(ev event) *idp.Session {
	switch ev := ev.(type) {
	case restored:
		return ev.session
	case sessionAppeared:
		return ev.session
	}
	return nil
}

func (r *Reconciler) stopExchange() {
	if r.cancelExchange != nil {
		r.cancelExchange()
		r.cancelExchange = nil
	}
}

func (r *Reconciler) startExchange(generation uint64, s *idp.Session) {
	if s == nil {
		return
	}
	key := s.Key()
	// A credential for another subject must not outlive the switch
	if cur, ok := r.store.Current(); ok && cur.IssuedFor != key {
		if err := r.store.Clear(r.ctx); err != nil {
			log.LogErrorWithFields("reconciler", "Failed to clear previous credential", map[string]any{
				"error": err.Error(),
			})
		}
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.exchangeTimeout)
	r.cancelExchange = cancel

	log.LogDebugWithFields("reconciler", "Exchanging provider token", map[string]any{
		"subject":    key,
		"generation": generation,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		if ev := r.exchange(ctx, generation, s); ev != nil {
			r.post(ev)
		}
	}()
}

// exchange mints a fresh provider token and trades it for a backend
// credential. It never touches the store; the loop commits the result only
// if the generation is still current. A nil event means the provider moved
// to another session while minting, and that change is already on its way
// to the loop.
func (r *Reconciler) exchange(ctx context.Context, generation uint64, s *idp.Session) event {
	token, err := r.provider.MintToken(ctx, true)
	if err != nil {
		return exchangeFailed{generation: generation, err: apperr.New(apperr.ProviderSignInFailed, err)}
	}
	if cur := r.provider.CurrentSession(); cur.Key() != s.Key() {
		log.LogDebugWithFields("reconciler", "Provider session changed while minting, discarding exchange", map[string]any{
			"subject":    s.Key(),
			"current":    cur.Key(),
			"generation": generation,
		})
		return nil
	}

	resp, err := r.verifier.Verify(ctx, s.Provider, backend.VerifyRequest{
		Token: token,
		Email: s.Email,
		Name:  s.Name,
		Image: s.AvatarURL,
	})
	if err != nil {
		kind := apperr.BackendVerificationFailed
		if errors.Is(err, backend.ErrUnreachable) {
			kind = apperr.NetworkUnreachable
		}
		return exchangeFailed{generation: generation, err: apperr.New(kind, err)}
	}

	return exchangeVerified{
		generation: generation,
		subject:    s.Key(),
		token:      resp.Token,
		user:       resp.User,
	}
}

func (r *Reconciler) commit(v exchangeVerified) event {
	err := r.store.Put(r.ctx, credstore.Credential{
		Token:      v.token,
		IssuedFor:  v.subject,
		User:       v.user,
		Generation: v.generation,
	})
	if err != nil {
		log.LogErrorWithFields("reconciler", "Failed to store credential", map[string]any{
			"subject": v.subject,
			"error":   err.Error(),
		})
		return exchangeFailed{generation: v.generation, err: apperr.New(apperr.Unknown, err)}
	}
	return exchangeCommitted{generation: v.generation, user: v.user}
}

func (r *Reconciler) mirror(profile account.Profile) {
	ctx, cancel := context.WithTimeout(r.ctx, DefaultProfileTimeout)
	defer cancel()
	if err := r.provider.UpdateProfile(ctx, profile); err != nil {
		log.LogWarnWithFields("reconciler", "Could not mirror profile onto provider", map[string]any{
			"error": err.Error(),
		})
	}
}

func (r *Reconciler) reload() event {
	cred, ok, err := r.store.Reload(r.ctx)
	if err != nil {
		log.LogWarnWithFields("reconciler", "Could not reload durable credential", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	if !ok {
		return credentialReloaded{}
	}
	return credentialReloaded{cred: &cred}
}

func (r *Reconciler) publish(prev, next State) {
	r.mu.Lock()
	r.state = next
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()

	fields := map[string]any{
		"phase":      next.Phase.String(),
		"generation": next.Generation,
	}
	if next.Subject != "" {
		fields["subject"] = next.Subject
	}
	if next.Err != nil {
		fields["error"] = next.Err.Kind.String()
	}
	if prev.Phase != next.Phase {
		log.LogInfoWithFields("reconciler", "Session state changed", fields)
	} else {
		log.LogTraceWithFields("reconciler", "Session state updated", fields)
	}

	r.subsMu.Lock()
	ids := slices.Sorted(maps.Keys(r.subs))
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subsMu.Unlock()
	for _, fn := range fns {
		fn(next.clone())
	}
}

// State returns the current snapshot
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}

// Subscribe calls fn from the event loop after every state change. fn must
// not block or call back into the reconciler synchronously.
func (r *Reconciler) Subscribe(fn func(State)) (unsubscribe func()) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		delete(r.subs, id)
	}
}

// WaitFor blocks until ready accepts the state, ctx ends or the reconciler closes
func (r *Reconciler) WaitFor(ctx context.Context, ready func(State) bool) (State, error) {
	for {
		r.mu.RLock()
		st, changed := r.state.clone(), r.changed
		r.mu.RUnlock()
		if ready(st) {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		case <-r.done:
			return st, ErrClosed
		}
	}
}

// SignIn runs the provider's interactive sign-in and waits for the exchange
// to settle. Concurrent calls share one sign-in. A caller whose ctx ends
// stops waiting, but the shared sign-in carries on for the others until the
// sign-in timeout or Close.
func (r *Reconciler) SignIn(ctx context.Context) (State, error) {
	ch := r.signIns.DoChan(r.provider.Type(), func() (any, error) {
		flowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.signInTimeout)
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()
		return r.signIn(flowCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			log.LogTraceWithFields("reconciler", "Joined in-flight sign-in", nil)
		}
		st, _ := res.Val.(State)
		return st, res.Err
	case <-ctx.Done():
		return r.State(), ctx.Err()
	}
}

func (r *Reconciler) signIn(ctx context.Context) (State, error) {
	before := r.State().Generation

	s, err := r.provider.SignIn(ctx)
	if err != nil {
		aerr := apperr.New(apperr.ProviderSignInFailed, err)
		r.post(signInFailed{err: aerr})
		return r.State(), aerr
	}

	key := s.Key()
	st, err := r.WaitFor(ctx, func(st State) bool {
		if st.Phase == SignedIn && st.Subject == key {
			return true
		}
		return st.Phase == SignedOut && st.Generation > before
	})
	if err != nil {
		return st, err
	}
	if st.Phase != SignedIn {
		if st.Err != nil {
			return st, st.Err
		}
		return st, apperr.New(apperr.ProviderSignInFailed, idp.ErrNoSession)
	}
	return st, nil
}

// SignOut clears the credential, then ends the provider session
func (r *Reconciler) SignOut(ctx context.Context) error {
	return r.request(ctx, nil)
}

// Invalidate signs out because a request found authentication is required.
// The state carries an AuthenticationRequired error for the shell.
func (r *Reconciler) Invalidate(ctx context.Context, reason error) error {
	log.LogInfoWithFields("reconciler", "Credential invalidated", map[string]any{
		"reason": errString(reason),
	})
	return r.request(ctx, apperr.New(apperr.AuthenticationRequired, reason))
}

func (r *Reconciler) request(ctx context.Context, reason *apperr.Error) error {
	done := make(chan error, 1)
	if !r.post(signOutRequested{reason: reason, done: done}) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// ExternalChange tells the reconciler durable storage was modified by another
// process. It never blocks.
func (r *Reconciler) ExternalChange() {
	r.post(externalChange{})
}

// Close stops the loop and cancels any in-flight exchange. Later events are dropped.
func (r *Reconciler) Close() error {
	r.closeOnce.Do(func() {
		r.mbMu.Lock()
		r.closed = true
		r.queue = nil
		sub := r.sub
		r.mbMu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		r.cancel()
		<-r.done
		r.wg.Wait()
		log.LogDebugWithFields("reconciler", "Reconciler closed", nil)
	})
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
