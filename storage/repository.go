// Package storage provides the record store shared by the authority's policy
// store and its persistent session store. Records are addressed by
// (domain, recordType, recordID); a domain groups everything belonging to one
// policy or one session keyspace.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDomainNotFound is returned when no record exists under a domain.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction. The domain is scoped
// to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType, recordID string, record *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, record *Record) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage.
//
// PutCAS with expectedVersion 0 is create-only; any other value must equal
// the stored record's Version.
type Repository interface {
	Put(ctx context.Context, domain, recordType, recordID string, record *Record) error
	Get(ctx context.Context, domain, recordType, recordID string) (*Record, error)
	List(ctx context.Context, domain, recordType string) ([]string, error)
	Delete(ctx context.Context, domain, recordType, recordID string) error
	PutCAS(ctx context.Context, domain, recordType, recordID string, expectedVersion uint64, record *Record) error
	Batch(ctx context.Context, domain string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record or its domain is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDomainNotFound)
}

// DomainAdmin is implemented by backends that can enumerate and drop whole
// domains. The policy loader uses it to replace a policy wholesale.
type DomainAdmin interface {
	ListDomains(ctx context.Context) ([]string, error)
	DeleteDomain(ctx context.Context, domain string) error
}
