package authority

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jmcleod/rbacaccel/internal/util"
)

var (
	// ErrSessionNotFound is returned for unknown, expired and idle sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionConflict is returned when a session was modified between
	// Get and Put.
	ErrSessionConflict = errors.New("session modified concurrently")
)

// SessionStore abstracts session persistence so that sessions can be held
// in memory (default), sealed in a storage.Repository, or in Redis.
type SessionStore interface {
	// Get retrieves a session by token. It returns ErrSessionNotFound if the
	// session does not exist, has expired, or has exceeded the idle timeout.
	Get(ctx context.Context, token string) (SessionState, error)
	// Put creates or updates a session. The stored Version must equal
	// s.Version; on success s.Version is incremented.
	Put(ctx context.Context, s *SessionState) error
	// Delete removes a session by token. Deleting an absent session is not
	// an error.
	Delete(ctx context.Context, token string) error
}

// Sweeper is implemented by stores that need expired sessions removed
// periodically. Sweep returns how many sessions it removed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SessionState is the authority-side record of a session.
type SessionState struct {
	Token          string    `json:"token"`
	UserID         string    `json:"user_id"`
	Trusted        bool      `json:"trusted"`
	Roles          []string  `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Version        uint64    `json:"version"`
}

// HasRole reports whether name is active, ignoring case.
func (s SessionState) HasRole(name string) bool {
	return s.roleIndex(name) >= 0
}

func (s SessionState) roleIndex(name string) int {
	key := util.NormalizeID(name)
	return slices.IndexFunc(s.Roles, func(r string) bool { return util.NormalizeID(r) == key })
}

func (s SessionState) expired(now time.Time, idleTimeout time.Duration) bool {
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return true
	}
	return idleTimeout > 0 && now.Sub(s.LastAccessedAt) > idleTimeout
}

func (s SessionState) clone() SessionState {
	s.Roles = slices.Clone(s.Roles)
	return s
}
