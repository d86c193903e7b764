package postgres

import (
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rbacaccel/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RBACACCEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RBACACCEL_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := t.Context()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(t.Context(), "DELETE FROM records") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	domain := "policy"
	rec := storage.NewRecord([]byte(`{"name":"role1"}`))

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, domain, "ROLE", "role1", rec))
		got, err := s.Get(ctx, domain, "ROLE", "role1")
		require.NoError(t, err)
		assert.Equal(t, rec.Data, got.Data)
		assert.Equal(t, rec.Scheme, got.Scheme)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, domain, "ROLE", "role2", rec))
		ids, err := s.List(ctx, domain, "ROLE")
		require.NoError(t, err)
		assert.Equal(t, []string{"role1", "role2"}, ids)
	})

	t.Run("PutCAS", func(t *testing.T) {
		require.NoError(t, s.PutCAS(ctx, domain, "SESSION", "cas1", 0, storage.NewRecord(nil, 1)))
		assert.ErrorIs(t, s.PutCAS(ctx, domain, "SESSION", "cas1", 0, storage.NewRecord(nil, 1)), storage.ErrCASFailed)
		require.NoError(t, s.PutCAS(ctx, domain, "SESSION", "cas1", 1, storage.NewRecord(nil, 2)))
		assert.ErrorIs(t, s.PutCAS(ctx, domain, "SESSION", "cas1", 1, storage.NewRecord(nil, 3)), storage.ErrCASFailed)
		assert.ErrorIs(t, s.PutCAS(ctx, domain, "SESSION", "missing", 1, storage.NewRecord(nil, 2)), storage.ErrCASFailed)
	})

	t.Run("Get errors", func(t *testing.T) {
		_, err := s.Get(ctx, "nonexistent", "ROLE", "role1")
		assert.ErrorIs(t, err, storage.ErrDomainNotFound)
		_, err = s.Get(ctx, domain, "ROLE", "nonexistent")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, domain, "ROLE", "role2"))
		assert.ErrorIs(t, s.Delete(ctx, domain, "ROLE", "role2"), storage.ErrNotFound)
	})

	t.Run("Domains", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "other", "ROLE", "x", rec))
		domains, err := s.ListDomains(ctx)
		require.NoError(t, err)
		assert.Contains(t, domains, "other")
		require.NoError(t, s.DeleteDomain(ctx, "other"))
		assert.ErrorIs(t, s.DeleteDomain(ctx, "other"), storage.ErrDomainNotFound)
	})

	t.Run("Batch rollback", func(t *testing.T) {
		err := s.Batch(ctx, domain, func(tx storage.BatchTx) error {
			require.NoError(t, tx.Put("ROLE", "rollback", rec))
			return errors.New("simulated error")
		})
		require.Error(t, err)
		_, err = s.Get(ctx, domain, "ROLE", "rollback")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
