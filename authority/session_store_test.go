package authority

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/storage"
	"github.com/jmcleod/rbacaccel/storage/memory"
)

func newTestSession(token string) *SessionState {
	now := time.Now()
	return &SessionState{
		Token:          token,
		UserID:         "alice",
		Roles:          []string{"R1", "R2"},
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now,
	}
}

// sessionStoreTests runs the common suite against any SessionStore implementation.
func sessionStoreTests(t *testing.T, store SessionStore) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		s := newTestSession("tok-1")
		require.NoError(t, store.Put(t.Context(), s))
		assert.Equal(t, uint64(1), s.Version)

		got, err := store.Get(t.Context(), "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, []string{"R1", "R2"}, got.Roles)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(t.Context(), "no-such-token")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Update", func(t *testing.T) {
		s := newTestSession("tok-up")
		require.NoError(t, store.Put(t.Context(), s))

		got, err := store.Get(t.Context(), "tok-up")
		require.NoError(t, err)
		got.Roles = append(got.Roles, "R3")
		require.NoError(t, store.Put(t.Context(), &got))
		assert.Equal(t, uint64(2), got.Version)

		again, err := store.Get(t.Context(), "tok-up")
		require.NoError(t, err)
		assert.Equal(t, []string{"R1", "R2", "R3"}, again.Roles)
	})

	t.Run("StaleWriteConflicts", func(t *testing.T) {
		s := newTestSession("tok-cas")
		require.NoError(t, store.Put(t.Context(), s))

		a, err := store.Get(t.Context(), "tok-cas")
		require.NoError(t, err)
		b, err := store.Get(t.Context(), "tok-cas")
		require.NoError(t, err)

		require.NoError(t, store.Put(t.Context(), &a))
		require.ErrorIs(t, store.Put(t.Context(), &b), ErrSessionConflict)
	})

	t.Run("CreateOverExistingConflicts", func(t *testing.T) {
		require.NoError(t, store.Put(t.Context(), newTestSession("tok-dup")))
		require.ErrorIs(t, store.Put(t.Context(), newTestSession("tok-dup")), ErrSessionConflict)
	})

	t.Run("UpdateDeleted", func(t *testing.T) {
		s := newTestSession("tok-gone")
		require.NoError(t, store.Put(t.Context(), s))
		require.NoError(t, store.Delete(t.Context(), "tok-gone"))
		require.ErrorIs(t, store.Put(t.Context(), s), ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(t.Context(), newTestSession("tok-del")))
		require.NoError(t, store.Delete(t.Context(), "tok-del"))
		_, err := store.Get(t.Context(), "tok-del")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		require.NoError(t, store.Delete(t.Context(), "never-existed"))
	})

	t.Run("Expired", func(t *testing.T) {
		s := newTestSession("tok-exp")
		s.ExpiresAt = time.Now().Add(-time.Minute)
		// Redis refuses to store an already-expired session; the others
		// store it and must not return it.
		_ = store.Put(t.Context(), s)
		_, err := store.Get(t.Context(), "tok-exp")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestMemorySessionStore(t *testing.T) {
	sessionStoreTests(t, NewMemorySessionStore(0))
}

func TestMemorySessionStore_IdleTimeout(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	s := newTestSession("tok-idle")
	s.LastAccessedAt = now
	require.NoError(t, store.Put(t.Context(), s))

	now = now.Add(2 * time.Minute)
	_, err := store.Get(t.Context(), "tok-idle")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemorySessionStore_Sweep(t *testing.T) {
	store := NewMemorySessionStore(0)
	live := newTestSession("live")
	dead := newTestSession("dead")
	dead.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, store.Put(t.Context(), live))
	require.NoError(t, store.Put(t.Context(), dead))

	n, err := store.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func newWrappingKey(t *testing.T) []byte {
	t.Helper()
	key, err := util.NewAESKey()
	require.NoError(t, err)
	return key
}

func TestPersistentSessionStore(t *testing.T) {
	repo := memory.NewRepository()
	store, err := NewPersistentSessionStore(t.Context(), repo, 0, newWrappingKey(t))
	require.NoError(t, err)
	sessionStoreTests(t, store)
}

func TestPersistentSessionStore_RejectsShortWrappingKey(t *testing.T) {
	_, err := NewPersistentSessionStore(t.Context(), memory.NewRepository(), 0, []byte("short"))
	require.Error(t, err)
}

func TestPersistentSessionStore_SurvivesRestart(t *testing.T) {
	repo := memory.NewRepository()
	key := newWrappingKey(t)

	first, err := NewPersistentSessionStore(t.Context(), repo, 0, key)
	require.NoError(t, err)
	require.NoError(t, first.Put(t.Context(), newTestSession("tok-restart")))

	second, err := NewPersistentSessionStore(t.Context(), repo, 0, key)
	require.NoError(t, err)
	got, err := second.Get(t.Context(), "tok-restart")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
}

func TestPersistentSessionStore_SealedAtRest(t *testing.T) {
	repo := memory.NewRepository()
	store, err := NewPersistentSessionStore(t.Context(), repo, 0, newWrappingKey(t))
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), newTestSession("tok-sealed")))

	rec, err := repo.Get(t.Context(), DefaultSessionDomain, sessionRecordType, "tok-sealed")
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAES256GCM, rec.Scheme)
	assert.NotContains(t, string(rec.Data), "alice")
}

func TestPersistentSessionStore_NewWrappingKeyDropsSessions(t *testing.T) {
	repo := memory.NewRepository()
	first, err := NewPersistentSessionStore(t.Context(), repo, 0, newWrappingKey(t))
	require.NoError(t, err)
	require.NoError(t, first.Put(t.Context(), newTestSession("tok-rotated")))

	second, err := NewPersistentSessionStore(t.Context(), repo, 0, newWrappingKey(t))
	require.NoError(t, err)
	_, err = second.Get(t.Context(), "tok-rotated")
	require.Error(t, err)

	n, err := second.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sessionStoreTests(t, NewRedisSessionStore(client, 0))
}

func TestRedisSessionStore_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewRedisSessionStore(client, 0)

	s := newTestSession("tok-ttl")
	s.ExpiresAt = time.Now().Add(30 * time.Second)
	require.NoError(t, store.Put(t.Context(), s))
	assert.True(t, mr.Exists(DefaultRedisKeyPrefix+"tok-ttl"))

	mr.FastForward(time.Minute)
	_, err := store.Get(t.Context(), "tok-ttl")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
