// Package credstore holds the process-wide backend credential and the user it
// was issued for. Memory is the source of truth for reads; durable storage is
// the source of truth across restarts. Every mutation goes through one lock so
// the two cannot diverge.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/log"
	"github.com/dgellow/estate-session/internal/storage"
)

// Durable keys
const (
	KeyToken   = "token"
	KeyUser    = "user"
	KeySubject = "subject"
)

var durableKeys = []string{KeyToken, KeyUser, KeySubject}

var (
	// ErrEmpty is returned when no credential is held
	ErrEmpty = errors.New("no credential held")
	// ErrStale is returned by Rotate when the credential it targets was superseded
	ErrStale = errors.New("credential superseded")
)

// Source records who minted the current token
type Source string

const (
	SourceBackend  Source = "backend"
	SourceProvider Source = "provider"
)

// Credential is an immutable snapshot. A newer token produces a new Credential.
type Credential struct {
	Token      string
	IssuedFor  string
	User       account.User
	Generation uint64
	Source     Source
	IssuedAt   time.Time
}

// Fingerprint identifies the token in logs without revealing it
func (c Credential) Fingerprint() string {
	return log.Fingerprint(c.Token)
}

// Store is safe for concurrent use
type Store struct {
	kv  storage.KeyValue
	now func() time.Time

	// writeMu serializes durable writes; mu guards the in-memory snapshot
	writeMu sync.Mutex
	mu      sync.RWMutex
	cred    *Credential
	loaded  bool
}

// New creates a store over kv. Nothing is read until Load or the first Token call.
func New(kv storage.KeyValue) *Store {
	return &Store{kv: kv, now: time.Now}
}

// Current returns the in-memory credential without touching durable storage
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Token returns the credential to attach to a request. Memory first; when the
// store was never loaded it falls back to durable storage.
func (s *Store) Token(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cred, loaded := s.cred, s.loaded
	s.mu.RUnlock()
	if cred != nil {
		return *cred, nil
	}
	if loaded {
		return Credential{}, ErrEmpty
	}
	if _, err := s.Load(ctx); err != nil {
		return Credential{}, err
	}
	if c, ok := s.Current(); ok {
		return c, nil
	}
	return Credential{}, ErrEmpty
}

// Load reads durable storage once. Later calls return the in-memory state.
func (s *Store) Load(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	loaded, held := s.loaded, s.cred != nil
	s.mu.RUnlock()
	if loaded {
		return held, nil
	}
	return s.readDurableLocked(ctx, 0)
}

// Reload re-reads durable storage after another process changed it. The
// generation is kept when the credential still belongs to the same subject.
func (s *Store) Reload(ctx context.Context) (Credential, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var gen uint64
	var subject string
	s.mu.RLock()
	if s.cred != nil {
		gen, subject = s.cred.Generation, s.cred.IssuedFor
	}
	s.mu.RUnlock()

	ok, err := s.readDurableLocked(ctx, gen)
	if err != nil {
		return Credential{}, false, err
	}
	if !ok {
		return Credential{}, false, nil
	}
	s.mu.Lock()
	if s.cred.IssuedFor != subject {
		s.cred.Generation = 0
	}
	c := *s.cred
	s.mu.Unlock()
	return c, true, nil
}

// readDurableLocked replaces memory with the durable credential. Partial or
// corrupt entries are deleted; read failures leave the store unloaded.
// Caller holds writeMu.
func (s *Store) readDurableLocked(ctx context.Context, gen uint64) (bool, error) {
	values := make(map[string][]byte, len(durableKeys))
	for _, k := range durableKeys {
		v, err := s.kv.Get(ctx, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("reading %s: %w", k, err)
		}
		values[k] = v
	}

	var cred *Credential
	if len(values) > 0 {
		c, err := decode(values)
		if err != nil {
			log.LogWarnWithFields("credstore", "Discarding unusable durable credential", map[string]any{
				"error": err.Error(),
			})
			if delErr := s.kv.Delete(ctx, durableKeys...); delErr != nil {
				return false, fmt.Errorf("deleting corrupt credential: %w", delErr)
			}
		} else {
			c.Generation = gen
			cred = &c
		}
	}

	s.mu.Lock()
	s.cred = cred
	s.loaded = true
	s.mu.Unlock()

	if cred != nil {
		log.LogDebugWithFields("credstore", "Loaded durable credential", map[string]any{
			"subject":     cred.IssuedFor,
			"user_id":     cred.User.ID,
			"fingerprint": cred.Fingerprint(),
		})
	}
	return cred != nil, nil
}

func decode(values map[string][]byte) (Credential, error) {
	for _, k := range durableKeys {
		if len(values[k]) == 0 {
			return Credential{}, fmt.Errorf("partial credential: %s missing", k)
		}
	}
	var user account.User
	if err := json.Unmarshal(values[KeyUser], &user); err != nil {
		return Credential{}, fmt.Errorf("decoding user: %w", err)
	}
	if err := user.Validate(); err != nil {
		return Credential{}, fmt.Errorf("invalid user: %w", err)
	}
	return Credential{
		Token:     string(values[KeyToken]),
		IssuedFor: string(values[KeySubject]),
		User:      user,
		Source:    SourceBackend,
	}, nil
}

// Put replaces the held credential. Durable storage is written first; when that
// fails memory is left unchanged.
func (s *Store) Put(ctx context.Context, cred Credential) error {
	if cred.Token == "" || cred.IssuedFor == "" {
		return fmt.Errorf("credential requires token and subject")
	}
	if err := cred.User.Validate(); err != nil {
		return fmt.Errorf("credential user: %w", err)
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = s.now()
	}
	if cred.Source == "" {
		cred.Source = SourceBackend
	}
	user, err := json.Marshal(cred.User)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.kv.Put(ctx, map[string][]byte{
		KeyToken:   []byte(cred.Token),
		KeyUser:    user,
		KeySubject: []byte(cred.IssuedFor),
	}); err != nil {
		return fmt.Errorf("persisting credential: %w", err)
	}

	s.mu.Lock()
	s.cred = &cred
	s.loaded = true
	s.mu.Unlock()

	log.LogDebugWithFields("credstore", "Stored credential", map[string]any{
		"subject":     cred.IssuedFor,
		"generation":  cred.Generation,
		"source":      string(cred.Source),
		"fingerprint": cred.Fingerprint(),
	})
	return nil
}

// Rotate supersedes the token of the held credential. It returns ErrStale
// unless the held credential has the given generation and subject, so a
// refresh started before a sign-out or account switch cannot land after it.
func (s *Store) Rotate(ctx context.Context, generation uint64, subject, token string) (Credential, error) {
	if token == "" {
		return Credential{}, fmt.Errorf("empty token")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur := s.cred
	s.mu.RUnlock()
	if cur == nil || cur.Generation != generation || cur.IssuedFor != subject {
		return Credential{}, ErrStale
	}
	if cur.Token == token {
		return *cur, nil
	}

	if err := s.kv.Put(ctx, map[string][]byte{KeyToken: []byte(token)}); err != nil {
		return Credential{}, fmt.Errorf("persisting rotated token: %w", err)
	}

	next := *cur
	next.Token = token
	next.Source = SourceProvider
	next.IssuedAt = s.now()

	s.mu.Lock()
	s.cred = &next
	s.mu.Unlock()

	log.LogTraceWithFields("credstore", "Rotated token", map[string]any{
		"subject":     subject,
		"generation":  generation,
		"fingerprint": next.Fingerprint(),
	})
	return next, nil
}

// Clear drops the credential. Memory is cleared even when the durable delete
// fails, and the store counts as loaded so the durable fallback in Token
// cannot bring the credential back.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	had := s.cred != nil
	s.cred = nil
	s.loaded = true
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, durableKeys...); err != nil {
		log.LogErrorWithFields("credstore", "Failed to delete durable credential", map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("deleting durable credential: %w", err)
	}
	if had {
		log.LogDebugWithFields("credstore", "Cleared credential", nil)
	}
	return nil
}

// Forget drops the in-memory credential and leaves durable storage alone. It
// is used when durable storage holds a credential that belongs to another
// process's session.
func (s *Store) Forget() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.cred = nil
	s.loaded = true
	s.mu.Unlock()
}
