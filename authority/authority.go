// Package authority implements the RBAC authority the accelerator engine
// talks to: it owns users, roles and grants, authenticates session creation,
// tracks each session's active roles and decides access checks.
package authority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/protocol"
	"github.com/jmcleod/rbacaccel/rbac"
)

// Activation selects which roles a session starts with when the caller
// requests none.
type Activation string

const (
	// ActivateAll activates every role assigned to the user.
	ActivateAll Activation = "all"
	// ActivateNone starts the session with no active roles.
	ActivateNone Activation = "none"
)

// ParseActivation parses "all" or "none", ignoring case.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(strings.ToLower(strings.TrimSpace(s))); a {
	case ActivateAll, ActivateNone:
		return a, nil
	}
	return "", fmt.Errorf("unknown default activation %q (want all or none)", s)
}

const (
	// DefaultSessionTTL bounds a session's absolute lifetime.
	DefaultSessionTTL = 8 * time.Hour

	sessionTokenBytes = 32
	maxPutAttempts    = 3
)

// Authority answers protocol requests against a policy and a session store.
// It is safe for concurrent use; operations on one session are serialized.
type Authority struct {
	policy     *PolicyStore
	sessions   SessionStore
	evaluator  Evaluator
	logger     *slog.Logger
	audit      *auditLogger
	metrics    *metricsCollector
	limiter    *loginRateLimiter
	locks      *keyedMutex
	activation Activation
	sessionTTL time.Duration
	alertFn    AlertFunc
	now        func() time.Time

	serviceSecret string
	requestRate   int
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the structured logger for operational and audit events.
// If not set, log output is discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = logger
	}
}

// WithEvaluator replaces the embedded Rego policy used for access checks.
func WithEvaluator(e Evaluator) Option {
	return func(a *Authority) {
		a.evaluator = e
	}
}

// WithDefaultActivation sets which roles a session starts with when none
// are requested. Default: ActivateAll.
func WithDefaultActivation(act Activation) Option {
	return func(a *Authority) {
		a.activation = act
	}
}

// WithSessionTTL sets the absolute session lifetime. Zero disables absolute
// expiry. Default: DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		a.sessionTTL = ttl
	}
}

// WithAlertFunc registers a callback invoked on failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *Authority) {
		a.alertFn = fn
	}
}

// WithServiceSecret requires engines calling the HTTP API to present secret
// as a bearer token. An empty secret disables the check.
func WithServiceSecret(secret string) Option {
	return func(a *Authority) {
		a.serviceSecret = secret
	}
}

// WithRequestRateLimit caps HTTP requests per client IP per minute. Zero
// disables the limit.
func WithRequestRateLimit(perMinute int) Option {
	return func(a *Authority) {
		a.requestRate = perMinute
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// New creates an Authority. Unless WithEvaluator is given, the embedded Rego
// policy is compiled here.
func New(ctx context.Context, policy *PolicyStore, sessions SessionStore, opts ...Option) (*Authority, error) {
	a := &Authority{
		policy:     policy,
		sessions:   sessions,
		locks:      newKeyedMutex(),
		activation: ActivateAll,
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if _, err := ParseActivation(string(a.activation)); err != nil {
		return nil, err
	}
	if a.evaluator == nil {
		e, err := NewRegoEvaluator(ctx)
		if err != nil {
			return nil, err
		}
		a.evaluator = e
	}
	a.metrics = newMetricsCollector(a.alertFn, a.now)
	a.audit = newAuditLogger(a.logger, a.metrics, a.now)
	a.limiter = newLoginRateLimiter(a.now)
	return a, nil
}

// Handle validates req and performs it. Failures are reported in the
// response status; Handle never returns a Go error.
func (a *Authority) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	if err := req.Validate(); err != nil {
		a.audit.logFailure(ctx, AuditBadRequest, "", err.Error(), slog.String("op", string(req.Op)))
		return protocol.Reply(req, protocol.StatusBadRequest, err.Error())
	}

	var (
		resp protocol.Response
		err  error
	)
	switch req.Op {
	case protocol.OpCreateSession:
		resp, err = a.createSession(ctx, req)
	case protocol.OpCheckAccess:
		resp, err = a.checkAccess(ctx, req)
	case protocol.OpAddActiveRole:
		resp, err = a.addActiveRole(ctx, req)
	case protocol.OpDropActiveRole:
		resp, err = a.dropActiveRole(ctx, req)
	case protocol.OpDeleteSession:
		resp, err = a.deleteSession(ctx, req)
	case protocol.OpSessionRoles:
		resp, err = a.sessionRoles(ctx, req)
	case protocol.OpSessionPermissions:
		resp, err = a.sessionPermissions(ctx, req)
	default:
		err = fmt.Errorf("unhandled operation %q", req.Op)
	}
	if err != nil {
		return a.failure(ctx, req, err)
	}
	return resp
}

func (a *Authority) failure(ctx context.Context, req protocol.Request, err error) protocol.Response {
	if c, ok := rbac.CategoryOf(err); ok && c != rbac.TransportError {
		var rerr *rbac.Error
		msg := err.Error()
		if errors.As(err, &rerr) {
			msg = rerr.Message
		}
		return protocol.Reply(req, protocol.StatusFor(c), msg)
	}
	a.logger.ErrorContext(ctx, "operation failed", "op", req.Op, "error", err)
	return protocol.Reply(req, protocol.StatusInternal, "internal error")
}

// RunSweeper removes expired sessions and stale rate-limit records every
// interval until ctx is canceled.
func (a *Authority) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Authority) sweep(ctx context.Context) {
	a.limiter.sweep()
	sw, ok := a.sessions.(Sweeper)
	if !ok {
		return
	}
	n, err := sw.Sweep(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "session sweep failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.DebugContext(ctx, "swept expired sessions", "count", n)
	}
}

func (a *Authority) newSession(user UserRecord, trusted bool, roles []string) (*SessionState, error) {
	token, err := util.RandomToken(sessionTokenBytes)
	if err != nil {
		return nil, err
	}
	now := a.now()
	s := &SessionState{
		Token:          token,
		UserID:         user.UserID,
		Trusted:        trusted,
		Roles:          roles,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if a.sessionTTL > 0 {
		s.ExpiresAt = now.Add(a.sessionTTL)
	}
	return s, nil
}

// updateSession runs fn on the current state of the session named by token
// under that session's lock and stores the result. A store conflict from
// another authority re-reads and retries.
func (a *Authority) updateSession(ctx context.Context, op, token string, fn func(*SessionState) error) (SessionState, error) {
	unlock := a.locks.lock(token)
	defer unlock()

	for attempt := 0; ; attempt++ {
		s, err := a.loadSession(ctx, op, token)
		if err != nil {
			return SessionState{}, err
		}
		if err := a.dropRevokedRoles(ctx, &s); err != nil {
			return s, err
		}
		if err := fn(&s); err != nil {
			return s, err
		}
		s.LastAccessedAt = a.now()
		err = a.sessions.Put(ctx, &s)
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, ErrSessionConflict) && attempt+1 < maxPutAttempts:
			continue
		case errors.Is(err, ErrSessionNotFound):
			return SessionState{}, a.sessionInvalid(ctx, op)
		default:
			return SessionState{}, err
		}
	}
}

// dropRevokedRoles removes active roles that are no longer assigned to the
// session's user, so a policy reload takes effect on live sessions.
func (a *Authority) dropRevokedRoles(ctx context.Context, s *SessionState) error {
	user, err := a.policy.User(ctx, s.UserID)
	if errors.Is(err, ErrUnknownUser) {
		user = UserRecord{UserID: s.UserID}
	} else if err != nil {
		return err
	}
	kept := s.Roles[:0:0]
	for _, name := range s.Roles {
		if _, ok := user.AssignedRole(name); ok {
			kept = append(kept, name)
			continue
		}
		a.logger.InfoContext(ctx, "role revoked from live session", "user_id", s.UserID, "role", name)
	}
	s.Roles = kept
	return nil
}

func (a *Authority) loadSession(ctx context.Context, op, token string) (SessionState, error) {
	s, err := a.sessions.Get(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return SessionState{}, a.sessionInvalid(ctx, op)
	}
	return s, err
}

func (a *Authority) sessionInvalid(ctx context.Context, op string) error {
	a.audit.logFailure(ctx, AuditSessionInvalid, "", "session not found or expired", slog.String("op", op))
	return rbac.NewError(rbac.SessionInvalid, op, "session not found or expired")
}

func snapshot(req protocol.Request, s SessionState) protocol.Response {
	resp := protocol.OK(req)
	resp.UserID = s.UserID
	resp.Roles = s.Roles
	return resp
}
