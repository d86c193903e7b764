// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jmcleod/rbacaccel/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(_ context.Context, domain, recordType, recordID string, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(domain, recordType, recordID, record)
}

func (r *Repository) putLocked(domain, recordType, recordID string, record *storage.Record) error {
	if _, ok := r.data[domain]; !ok {
		r.data[domain] = make(map[string]*storage.Record)
	}
	r.data[domain][makeKey(recordType, recordID)] = record.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, domain, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(domain, recordType, recordID)
}

func (r *Repository) getLocked(domain, recordType, recordID string) (*storage.Record, error) {
	records, ok := r.data[domain]
	if !ok {
		return nil, fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
	}
	rec, ok := records[makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, domain, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[domain] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, domain, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(domain, recordType, recordID)
}

func (r *Repository) deleteLocked(domain, recordType, recordID string) error {
	if _, err := r.getLocked(domain, recordType, recordID); err != nil {
		return err
	}
	delete(r.data[domain], makeKey(recordType, recordID))
	return nil
}

func (r *Repository) PutCAS(_ context.Context, domain, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(domain, recordType, recordID, expectedVersion, record)
}

func (r *Repository) putCASLocked(domain, recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	existing, err := r.getLocked(domain, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(domain, recordType, recordID, record)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(domain, recordType, recordID, record)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, domain string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotDomain(domain)
	if err := fn(&batchTx{repo: r, domain: domain}); err != nil {
		r.restoreDomain(domain, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotDomain(domain string) map[string]*storage.Record {
	original, ok := r.data[domain]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restoreDomain(domain string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, domain)
	} else {
		r.data[domain] = snapshot
	}
}

type batchTx struct {
	repo   *Repository
	domain string
}

func (tx *batchTx) Put(recordType, recordID string, record *storage.Record) error {
	return tx.repo.putLocked(tx.domain, recordType, recordID, record)
}

func (tx *batchTx) PutCAS(recordType, recordID string, expectedVersion uint64, record *storage.Record) error {
	return tx.repo.putCASLocked(tx.domain, recordType, recordID, expectedVersion, record)
}

func (tx *batchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.domain, recordType, recordID)
}

var _ storage.DomainAdmin = (*Repository)(nil)

func (r *Repository) ListDomains(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	domains := make([]string, 0, len(r.data))
	for d := range r.data {
		domains = append(domains, d)
	}
	slices.Sort(domains)
	return domains, nil
}

func (r *Repository) DeleteDomain(_ context.Context, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[domain]; !ok {
		return fmt.Errorf("%s: %w", domain, storage.ErrDomainNotFound)
	}
	delete(r.data, domain)
	return nil
}
