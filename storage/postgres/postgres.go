// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (domain, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Record fields are stored as individual columns, with nonce and
// data in native BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/rbacaccel/storage"
)

const upsertSQL = `INSERT INTO records (domain, record_type, record_id, ver, scheme, nonce, data, version)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (domain, record_type, record_id)
	DO UPDATE SET ver = $4, scheme = $5, nonce = $6, data = $7, version = $8`

const deleteSQL = `DELETE FROM records WHERE domain = $1 AND record_type = $2 AND record_id = $3`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Repository  = (*Store)(nil)
	_ storage.DomainAdmin = (*Store)(nil)
)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer abstracts *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func upsert(ctx context.Context, db execer, domain, recordType, recordID string, rec *storage.Record) error {
	_, err := db.Exec(ctx, upsertSQL,
		domain, recordType, recordID,
		rec.Ver, rec.Scheme, rec.Nonce, rec.Data, rec.Version)
	return err
}

func (s *Store) Put(ctx context.Context, domain, recordType, recordID string, record *storage.Record) error {
	return upsert(ctx, s.pool, domain, recordType, recordID, record)
}

func (s *Store) Get(ctx context.Context, domain, recordType, recordID string) (*storage.Record, error) {
	var rec storage.Record
	err := s.pool.QueryRow(ctx,
		`SELECT ver, scheme, nonce, data, version
		 FROM records WHERE domain = $1 AND record_type = $2 AND record_id = $3`,
		domain, recordType, recordID).Scan(
		&rec.Ver, &rec.Scheme, &rec.Nonce, &rec.Data, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, s.pool, domain, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, domain, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE domain = $1 AND record_type = $2 ORDER BY record_id`,
		domain, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, domain, recordType, recordID string) error {
	return deleteRecord(ctx, s.pool, domain, recordType, recordID)
}

func deleteRecord(ctx context.Context, db execer, domain, recordType, recordID string) error {
	tag, err := db.Exec(ctx, deleteSQL, domain, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, db, domain, recordType, recordID)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, domain, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return putCASInTx(ctx, tx, domain, recordType, recordID, expectedVersion, record)
	})
}

// Batch runs fn in one transaction; an error from fn rolls everything back.
func (s *Store) Batch(ctx context.Context, domain string, fn func(tx storage.BatchTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgBatchTx{ctx: ctx, tx: tx, domain: domain})
	})
}

func (s *Store) ListDomains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT domain FROM records ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) DeleteDomain(ctx context.Context, domain string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE domain = $1`, domain)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
	}
	return nil
}

type pgBatchTx struct {
	ctx    context.Context
	tx     pgx.Tx
	domain string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return upsert(btx.ctx, btx.tx, btx.domain, recordType, recordID, record)
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.domain, recordType, recordID, expectedVersion, record)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.domain, recordType, recordID)
}

// putCASInTx performs a compare-and-swap put within an existing transaction,
// locking the current row so concurrent writers serialise.
func putCASInTx(ctx context.Context, tx pgx.Tx, domain, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE domain = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		domain, recordType, recordID).Scan(&currentVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return insertNew(ctx, tx, domain, recordType, recordID, record)
	case err != nil:
		return err
	case expectedVersion == 0 || currentVersion != expectedVersion:
		return storage.ErrCASFailed
	}
	return upsert(ctx, tx, domain, recordType, recordID, record)
}

// insertNew creates a record that must not exist. FOR UPDATE cannot lock a
// missing row, so a concurrent creator surfaces as a unique violation.
func insertNew(ctx context.Context, tx pgx.Tx, domain, recordType, recordID string, record *storage.Record) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO records (domain, record_type, record_id, ver, scheme, nonce, data, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		domain, recordType, recordID,
		record.Ver, record.Scheme, record.Nonce, record.Data, record.Version)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return storage.ErrCASFailed
	}
	return err
}

// notFoundError distinguishes a missing domain from a missing record within
// an existing domain, matching the BBolt backend.
func notFoundError(ctx context.Context, db execer, domain, recordType, recordID string) error {
	var exists bool
	_ = db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE domain = $1 LIMIT 1)`,
		domain).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
