package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/rbacaccel/internal/crypto"
	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/storage"
)

const (
	// DefaultSessionDomain is the storage domain sealed sessions live under.
	DefaultSessionDomain = "__sessions"

	sessionRecordType = "SESSION"
	sessionKeyType    = "SESSION_KEY"
	sessionKeyID      = "current"
	sessionRecordVer  = 1
)

// PersistentSessionStore stores sessions in a storage.Repository, sealed with
// AES-256-GCM. Sessions survive restarts and can be shared by authorities
// using the same repository; concurrent writers are detected with
// compare-and-swap on the record version.
//
// The session encryption key is itself sealed with an externally provided
// wrapping key before being stored, so a repository compromise alone cannot
// recover session data. In memory the key is held in a memguard enclave.
type PersistentSessionStore struct {
	repo        storage.Repository
	domain      string
	key         *memguard.Enclave
	idleTimeout time.Duration
	now         func() time.Time
}

var (
	_ SessionStore = (*PersistentSessionStore)(nil)
	_ Sweeper      = (*PersistentSessionStore)(nil)
)

// NewPersistentSessionStore creates a session store backed by repo. The
// 32-byte wrappingKey seals the session encryption key at rest; it must come
// from outside the repository and is not retained. idleTimeout of 0 disables
// idle timeout checking.
func NewPersistentSessionStore(ctx context.Context, repo storage.Repository, idleTimeout time.Duration, wrappingKey []byte) (*PersistentSessionStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	s := &PersistentSessionStore{
		repo:        repo,
		domain:      DefaultSessionDomain,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
	key, err := s.loadOrCreateKey(ctx, wrappingKey)
	if err != nil {
		return nil, err
	}
	s.key = memguard.NewEnclave(key)
	return s, nil
}

func (s *PersistentSessionStore) Get(ctx context.Context, token string) (SessionState, error) {
	rec, err := s.repo.Get(ctx, s.domain, sessionRecordType, token)
	if storage.IsNotFound(err) {
		return SessionState{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionState{}, err
	}
	session, err := s.open(token, rec)
	if err != nil {
		return SessionState{}, err
	}
	if session.expired(s.now(), s.idleTimeout) {
		_ = s.Delete(ctx, token)
		return SessionState{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *PersistentSessionStore) Put(ctx context.Context, session *SessionState) error {
	next := session.clone()
	next.Version++
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	defer util.WipeBytes(data)

	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()
	rec, err := storage.SealRecord(buf.Bytes(), data, s.aad(session.Token), next.Version)
	if err != nil {
		return err
	}

	err = s.repo.PutCAS(ctx, s.domain, sessionRecordType, session.Token, session.Version, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		if session.Version != 0 {
			if _, getErr := s.repo.Get(ctx, s.domain, sessionRecordType, session.Token); storage.IsNotFound(getErr) {
				return ErrSessionNotFound
			}
		}
		return ErrSessionConflict
	}
	if err != nil {
		return err
	}
	session.Version = next.Version
	return nil
}

func (s *PersistentSessionStore) Delete(ctx context.Context, token string) error {
	err := s.repo.Delete(ctx, s.domain, sessionRecordType, token)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// Sweep removes expired, idle and unreadable sessions.
func (s *PersistentSessionStore) Sweep(ctx context.Context) (int, error) {
	tokens, err := s.repo.List(ctx, s.domain, sessionRecordType)
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		rec, err := s.repo.Get(ctx, s.domain, sessionRecordType, token)
		if err != nil {
			continue
		}
		session, err := s.open(token, rec)
		if err == nil && !session.expired(now, s.idleTimeout) {
			continue
		}
		if err := s.repo.Delete(ctx, s.domain, sessionRecordType, token); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *PersistentSessionStore) aad(token string) []byte {
	return icrypto.AADRecord(s.domain, sessionRecordType, token, sessionRecordVer)
}

func (s *PersistentSessionStore) open(token string, rec *storage.Record) (SessionState, error) {
	buf, err := s.key.Open()
	if err != nil {
		return SessionState{}, fmt.Errorf("opening session key: %w", err)
	}
	defer buf.Destroy()

	data, err := storage.OpenRecord(buf.Bytes(), rec, s.aad(token))
	if err != nil {
		return SessionState{}, fmt.Errorf("unsealing session: %w", err)
	}
	defer util.WipeBytes(data)

	var session SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return SessionState{}, fmt.Errorf("decoding session: %w", err)
	}
	session.Version = rec.Version
	return session, nil
}

// loadOrCreateKey unseals the stored session key with wrappingKey. If none is
// stored, or it was sealed under a different wrapping key, a fresh key is
// generated and persisted; sessions sealed under the old key become
// unreadable and are removed by the next Sweep.
func (s *PersistentSessionStore) loadOrCreateKey(ctx context.Context, wrappingKey []byte) ([]byte, error) {
	aad := icrypto.AADKeyWrap(s.domain, sessionRecordVer)

	rec, err := s.repo.Get(ctx, s.domain, sessionKeyType, sessionKeyID)
	switch {
	case err == nil:
		key, openErr := storage.OpenRecord(wrappingKey, rec, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	case !storage.IsNotFound(err):
		return nil, err
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := s.repo.Put(ctx, s.domain, sessionKeyType, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	return key, nil
}
