package credstore

import (
	"context"
	"sync"
	"testing"

	"github.com/dgellow/estate-session/internal/account"
	"github.com/dgellow/estate-session/internal/storage"
	"github.com/dgellow/estate-session/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredential(subject string, gen uint64) Credential {
	return Credential{
		Token:      "backend-" + subject,
		IssuedFor:  subject,
		User:       account.User{ID: "u-" + subject, Name: subject, Role: account.RoleUser},
		Generation: gen,
	}
}

func TestPutAndCurrent(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage())

	_, ok := s.Current()
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))

	cred, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "backend-fake:alice", cred.Token)
	assert.Equal(t, SourceBackend, cred.Source)
	assert.False(t, cred.IssuedAt.IsZero())
}

func TestPut_Validation(t *testing.T) {
	s := New(storage.NewMemoryStorage())
	assert.Error(t, s.Put(context.Background(), Credential{IssuedFor: "x", User: account.User{ID: "u"}}))
	assert.Error(t, s.Put(context.Background(), Credential{Token: "t", IssuedFor: "x"}))
}

func TestPut_DurableFailureLeavesMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewRecordingStorage()
	s := New(kv)
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))

	kv.FailPut.Store(true)
	err := s.Put(ctx, testCredential("fake:bob", 2))
	require.ErrorIs(t, err, testutil.ErrInjected)

	cred, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "fake:alice", cred.IssuedFor)
}

// Persistence round trip: a fresh store over the same durable storage
// observes the same user and token.
func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	original := New(kv)
	cred := testCredential("fake:alice", 3)
	cred.User.Role = account.RoleAgent
	cred.User.IsFraud = true
	require.NoError(t, original.Put(ctx, cred))

	reloaded := New(kv)
	held, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.True(t, held)

	got, ok := reloaded.Current()
	require.True(t, ok)
	assert.Equal(t, cred.Token, got.Token)
	assert.Equal(t, cred.IssuedFor, got.IssuedFor)
	assert.Equal(t, cred.User, got.User)
}

func TestToken_FallsBackToDurableOnlyWhenNeverLoaded(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	require.NoError(t, New(kv).Put(ctx, testCredential("fake:alice", 1)))

	s := New(kv)
	cred, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backend-fake:alice", cred.Token)

	require.NoError(t, s.Clear(ctx))
	// Another writer puts a credential back durably; a cleared store must not resurrect it
	require.NoError(t, New(kv).Put(ctx, testCredential("fake:alice", 1)))
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestToken_EmptyStore(t *testing.T) {
	_, err := New(storage.NewMemoryStorage()).Token(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestToken_DurableReadFailure(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewRecordingStorage()
	kv.FailGet.Store(true)
	s := New(kv)

	_, err := s.Token(ctx)
	require.ErrorIs(t, err, testutil.ErrInjected)

	// The store stays unloaded so a later call retries
	kv.FailGet.Store(false)
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLoad_DiscardsPartialCredential(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	require.NoError(t, kv.Put(ctx, map[string][]byte{KeyToken: []byte("orphan")}))

	s := New(kv)
	held, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 0, kv.Len(), "partial durable entries are deleted")
}

func TestLoad_DiscardsCorruptUser(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	require.NoError(t, kv.Put(ctx, map[string][]byte{
		KeyToken:   []byte("t"),
		KeySubject: []byte("fake:alice"),
		KeyUser:    []byte(`{"id":"u1","role":"owner"}`),
	}))

	held, err := New(kv).Load(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 0, kv.Len())
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage())

	_, err := s.Rotate(ctx, 1, "fake:alice", "provider-token")
	assert.ErrorIs(t, err, ErrStale, "nothing held")

	original := testCredential("fake:alice", 4)
	require.NoError(t, s.Put(ctx, original))

	rotated, err := s.Rotate(ctx, 4, "fake:alice", "provider-token")
	require.NoError(t, err)
	assert.Equal(t, "provider-token", rotated.Token)
	assert.Equal(t, SourceProvider, rotated.Source)
	assert.Equal(t, original.User, rotated.User)
	assert.Equal(t, uint64(4), rotated.Generation)

	_, err = s.Rotate(ctx, 3, "fake:alice", "late")
	assert.ErrorIs(t, err, ErrStale, "older generation")
	_, err = s.Rotate(ctx, 4, "fake:bob", "wrong-subject")
	assert.ErrorIs(t, err, ErrStale, "different subject")

	cred, _ := s.Current()
	assert.Equal(t, "provider-token", cred.Token)

	_, err = s.Rotate(ctx, 4, "fake:alice", "")
	assert.Error(t, err)
}

// A refresh that read the credential before a sign-out must not write after it
func TestRotate_AfterClearIsStale(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStorage())
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))
	cred, _ := s.Current()

	require.NoError(t, s.Clear(ctx))
	_, err := s.Rotate(ctx, cred.Generation, cred.IssuedFor, "late-token")
	assert.ErrorIs(t, err, ErrStale)
	_, ok := s.Current()
	assert.False(t, ok)
}

func TestClear_MemoryClearedEvenWhenDurableFails(t *testing.T) {
	ctx := context.Background()
	kv := testutil.NewRecordingStorage()
	s := New(kv)
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))

	kv.FailDelete.Store(true)
	err := s.Clear(ctx)
	require.ErrorIs(t, err, testutil.ErrInjected)

	_, ok := s.Current()
	assert.False(t, ok)
	_, err = s.Token(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "durable fallback does not resurrect a cleared credential")
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	s := New(kv)
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 7)))

	// Another process rotated the token for the same subject
	other := New(kv)
	_, err := other.Load(ctx)
	require.NoError(t, err)
	_, err = other.Rotate(ctx, 0, "fake:alice", "rotated-elsewhere")
	require.NoError(t, err)

	cred, ok, err := s.Reload(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rotated-elsewhere", cred.Token)
	assert.Equal(t, uint64(7), cred.Generation, "same subject keeps its generation")

	// Another process signed out
	require.NoError(t, other.Clear(ctx))
	_, ok, err = s.Reload(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok = s.Current()
	assert.False(t, ok)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	s := New(kv)
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Rotate(ctx, 1, "fake:alice", "rotated")
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Token(ctx)
		}()
	}
	wg.Wait()

	// Memory and durable agree after the dust settles
	cred, ok := s.Current()
	require.True(t, ok)
	durable, err := kv.Get(ctx, KeyToken)
	require.NoError(t, err)
	assert.Equal(t, cred.Token, string(durable))
}

func TestForget_LeavesDurableAlone(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStorage()
	s := New(kv)
	require.NoError(t, s.Put(ctx, testCredential("fake:alice", 1)))

	s.Forget()

	_, ok := s.Current()
	assert.False(t, ok)
	_, err := s.Token(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Equal(t, 3, kv.Len())
}
