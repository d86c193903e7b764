// Package accel is the client-side RBAC accelerator engine. It creates
// sessions for a principal, activates and deactivates roles within them, and
// checks permissions against the active set, delegating every decision to a
// remote authority reached through a Transport.
//
// The engine holds no state of its own: each *Session carries its token and
// the last active-role snapshot the authority returned, and every call takes
// the session explicitly. Sessions are single-owner; distinct sessions may be
// used from different goroutines.
package accel

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/protocol"
	"github.com/jmcleod/rbacaccel/rbac"
)

// Transport carries one request to the authority and returns its reply. An
// error means no usable reply was received; the engine reports it as
// rbac.TransportError.
type Transport interface {
	RoundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Engine performs the accelerator operations over a Transport.
type Engine struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for operation outcomes. Credentials are never
// logged. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTimeout bounds each round trip. Zero leaves the caller's context as is.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// New returns an Engine that talks to the authority through t.
func New(t Transport, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

const (
	opCreateSession      = "create session"
	opCheckAccess        = "check access"
	opAddActiveRole      = "add active role"
	opDropActiveRole     = "drop active role"
	opDeleteSession      = "delete session"
	opSessionRoles       = "session roles"
	opSessionPermissions = "session permissions"
)

// CreateSession authenticates user and activates roles for a new session.
//
// Unless trusted, the user's password is verified by the authority. The roles
// requested are, in order of precedence: requested, then user.Roles; when both
// are empty the authority's default activation policy applies. Every
// requested role must be assigned to the user or no session is created.
//
// The user's password is cleared before CreateSession returns, whether or not
// it succeeds.
func (e *Engine) CreateSession(ctx context.Context, user *rbac.User, trusted bool, requested ...rbac.UserRole) (*Session, error) {
	defer user.ClearPassword()

	if user == nil || user.UserID == "" {
		return nil, rbac.NewError(rbac.InvalidCredential, opCreateSession, "user id is required")
	}
	if !trusted && !user.HasPassword() {
		return nil, rbac.NewError(rbac.InvalidCredential, opCreateSession, "password is required for an untrusted session")
	}

	roles := requested
	if len(roles) == 0 {
		roles = user.Roles
	}
	roles, err := distinctRoles(user.UserID, roles)
	if err != nil {
		return nil, err
	}

	req, err := protocol.NewCreateSession(user, trusted, roles)
	if err != nil {
		return nil, rbac.WrapError(rbac.InvalidCredential, opCreateSession, err)
	}
	defer util.WipeBytes(req.Password)

	res, err := e.roundTrip(ctx, opCreateSession, req)
	if err != nil {
		return nil, err
	}

	s := &Session{token: res.Token, userID: res.UserID, trusted: trusted}
	s.apply(res.Roles)
	e.logger.DebugContext(ctx, "session created", "user_id", s.userID, "trusted", trusted, "roles", len(s.roles))
	return s, nil
}

// CheckAccess reports whether any active role of s is granted perm. A denial
// is (false, nil); only session and transport problems are errors.
func (e *Engine) CheckAccess(ctx context.Context, s *Session, perm rbac.Permission) (bool, error) {
	if err := s.usable(opCheckAccess); err != nil {
		return false, err
	}
	res, err := e.roundTrip(ctx, opCheckAccess, protocol.NewCheckAccess(s.token, perm))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// AddActiveRole activates role in s. The role must be assigned to the
// session's user and not already active. On success the session's snapshot is
// replaced with the authority's; on failure it is unchanged.
func (e *Engine) AddActiveRole(ctx context.Context, s *Session, role rbac.UserRole) error {
	if err := s.usable(opAddActiveRole); err != nil {
		return err
	}
	if role.Name == "" {
		return rbac.NewError(rbac.ActivationFailed, opAddActiveRole, "role name is required")
	}
	if !s.owns(role) {
		return rbac.Errorf(rbac.ActivationFailed, opAddActiveRole, "role %q belongs to %q, not session user %q", role.Name, role.UserID, s.userID)
	}
	res, err := e.roundTrip(ctx, opAddActiveRole, protocol.NewAddActiveRole(s.token, role.Name))
	if err != nil {
		return err
	}
	s.apply(res.Roles)
	return nil
}

// DropActiveRole deactivates role in s. The role must currently be active.
// On success the session's snapshot is replaced with the authority's; on
// failure it is unchanged.
func (e *Engine) DropActiveRole(ctx context.Context, s *Session, role rbac.UserRole) error {
	if err := s.usable(opDropActiveRole); err != nil {
		return err
	}
	if role.Name == "" {
		return rbac.NewError(rbac.NotActive, opDropActiveRole, "role name is required")
	}
	if !s.owns(role) {
		return rbac.Errorf(rbac.NotActive, opDropActiveRole, "role %q belongs to %q, not session user %q", role.Name, role.UserID, s.userID)
	}
	res, err := e.roundTrip(ctx, opDropActiveRole, protocol.NewDropActiveRole(s.token, role.Name))
	if err != nil {
		return err
	}
	s.apply(res.Roles)
	return nil
}

// DeleteSession terminates s at the authority. It is not idempotent: once it
// succeeds every further operation on s, including another DeleteSession,
// fails with rbac.SessionInvalid.
func (e *Engine) DeleteSession(ctx context.Context, s *Session) error {
	if err := s.usable(opDeleteSession); err != nil {
		return err
	}
	_, err := e.roundTrip(ctx, opDeleteSession, protocol.NewDeleteSession(s.token))
	if err != nil {
		if c, ok := rbac.CategoryOf(err); ok && c == rbac.SessionInvalid {
			s.deleted = true
		}
		return err
	}
	s.deleted = true
	return nil
}

// SessionRoles fetches the authoritative active-role set of s, refreshing its
// snapshot.
func (e *Engine) SessionRoles(ctx context.Context, s *Session) ([]rbac.UserRole, error) {
	if err := s.usable(opSessionRoles); err != nil {
		return nil, err
	}
	res, err := e.roundTrip(ctx, opSessionRoles, protocol.NewSessionRoles(s.token))
	if err != nil {
		return nil, err
	}
	s.apply(res.Roles)
	return s.Roles(), nil
}

// SessionPermissions returns the distinct permissions reachable through the
// active roles of s.
func (e *Engine) SessionPermissions(ctx context.Context, s *Session) ([]rbac.Permission, error) {
	if err := s.usable(opSessionPermissions); err != nil {
		return nil, err
	}
	res, err := e.roundTrip(ctx, opSessionPermissions, protocol.NewSessionPermissions(s.token))
	if err != nil {
		return nil, err
	}
	return res.Permissions, nil
}

func (e *Engine) roundTrip(ctx context.Context, op string, req protocol.Request) (protocol.Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.transport.RoundTrip(ctx, req)
	if err != nil {
		e.logger.WarnContext(ctx, "authority unreachable", "op", op, "request_id", req.ID, "error", err)
		return protocol.Result{}, rbac.WrapError(rbac.TransportError, op, err)
	}

	res, err := protocol.Interpret(op, req, resp)
	if err != nil {
		c, _ := rbac.CategoryOf(err)
		e.logger.DebugContext(ctx, "operation failed", "op", op, "request_id", req.ID, "category", c.String(), "error", err)
		return protocol.Result{}, err
	}
	e.logger.DebugContext(ctx, "operation succeeded", "op", op, "request_id", req.ID)
	return res, nil
}

// distinctRoles drops repeated role names and rejects roles that name a
// different user.
func distinctRoles(userID string, roles []rbac.UserRole) ([]rbac.UserRole, error) {
	out := make([]rbac.UserRole, 0, len(roles))
	for _, r := range roles {
		if r.Name == "" {
			return nil, rbac.NewError(rbac.ActivationFailed, opCreateSession, "role name is required")
		}
		if r.UserID != "" && rbac.NameKey(r.UserID) != rbac.NameKey(userID) {
			return nil, rbac.Errorf(rbac.ActivationFailed, opCreateSession, "role %q belongs to %q, not %q", r.Name, r.UserID, userID)
		}
		if !rbac.ContainsRole(out, r.Name) {
			out = append(out, rbac.NewUserRole(userID, r.Name))
		}
	}
	return out, nil
}
