// Package bbolt provides a BBolt-backed storage repository. Each domain is a
// top-level bucket; records are keyed "recordType:recordID" within it.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/rbacaccel/storage"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.Repository  = (*Store)(nil)
	_ storage.DomainAdmin = (*Store)(nil)
)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (s *Store) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Store) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func domainBucket(tx *bbolt.Tx, domain string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(domain))
	if b == nil {
		return nil, fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
	}
	return b, nil
}

func (s *Store) Put(ctx context.Context, domain, recordType, recordID string, record *storage.Record) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(domain))
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, record)
	})
}

func (s *Store) Get(ctx context.Context, domain, recordType, recordID string) (*storage.Record, error) {
	var record storage.Record
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := domainBucket(tx, domain)
		if err != nil {
			return err
		}
		data := b.Get(recordKey(recordType, recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) Delete(ctx context.Context, domain, recordType, recordID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := domainBucket(tx, domain)
		if err != nil {
			return err
		}
		return deleteInBucket(b, recordType, recordID)
	})
}

func (s *Store) List(ctx context.Context, domain, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(domain))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(ctx context.Context, domain, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(domain))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, record)
	})
}

// Batch runs fn inside a single bbolt read-write transaction; an error from
// fn rolls back every write.
func (s *Store) Batch(ctx context.Context, domain string, fn func(tx storage.BatchTx) error) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(domain))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}

func (s *Store) ListDomains(ctx context.Context) ([]string, error) {
	var domains []string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			domains = append(domains, string(name))
			return nil
		})
	})
	return domains, err
}

func (s *Store) DeleteDomain(ctx context.Context, domain string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(domain))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
		}
		return err
	})
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, record *storage.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func deleteInBucket(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, recordType, recordID, record)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Put(recordType, recordID string, record *storage.Record) error {
	return putInBucket(tx.bucket, recordType, recordID, record)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, record)
}

func (tx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteInBucket(tx.bucket, recordType, recordID)
}
