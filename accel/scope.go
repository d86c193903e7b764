package accel

import (
	"context"
	"errors"

	"github.com/jmcleod/rbacaccel/rbac"
)

// WithSession creates a session, runs fn with it and deletes it on every exit
// path, including a panic in fn. The delete runs even if ctx has been
// canceled. Errors from fn and from the delete are joined.
func WithSession(ctx context.Context, e *Engine, user *rbac.User, trusted bool, fn func(context.Context, *Session) error, requested ...rbac.UserRole) (err error) {
	s, err := e.CreateSession(ctx, user, trusted, requested...)
	if err != nil {
		return err
	}
	defer func() {
		if s.Deleted() {
			return
		}
		if derr := e.DeleteSession(context.WithoutCancel(ctx), s); derr != nil {
			err = errors.Join(err, derr)
		}
	}()
	return fn(ctx, s)
}
