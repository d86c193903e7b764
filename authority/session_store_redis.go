package authority

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces session keys in Redis.
const DefaultRedisKeyPrefix = "rbacaccel:session:"

// RedisSessionStore keeps sessions in Redis as JSON with a TTL matching the
// session's absolute expiry. Updates use WATCH/MULTI so concurrent writers
// from several authorities are detected.
type RedisSessionStore struct {
	client      redis.UniversalClient
	prefix      string
	idleTimeout time.Duration
	now         func() time.Time
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore creates a Redis-backed store. idleTimeout of 0
// disables idle timeout checking; absolute expiry is enforced by Redis.
func NewRedisSessionStore(client redis.UniversalClient, idleTimeout time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client:      client,
		prefix:      DefaultRedisKeyPrefix,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (s *RedisSessionStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisSessionStore) Get(ctx context.Context, token string) (SessionState, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SessionState{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionState{}, err
	}
	var session SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return SessionState{}, err
	}
	if session.expired(s.now(), s.idleTimeout) {
		_ = s.Delete(ctx, token)
		return SessionState{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, session *SessionState) error {
	key := s.key(session.Token)
	next := session.clone()
	next.Version++

	var ttl time.Duration
	if !next.ExpiresAt.IsZero() {
		ttl = next.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return ErrSessionNotFound
		}
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if session.Version != 0 {
				return ErrSessionNotFound
			}
		case err != nil:
			return err
		default:
			var stored SessionState
			if err := json.Unmarshal(current, &stored); err != nil {
				return err
			}
			if stored.Version != session.Version {
				return ErrSessionConflict
			}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrSessionConflict
	}
	if err != nil {
		return err
	}
	session.Version = next.Version
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}
