package authority

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmcleod/rbacaccel/internal/util"
	"github.com/jmcleod/rbacaccel/protocol"
	"github.com/jmcleod/rbacaccel/rbac"
)

const (
	opCreateSession      = "create session"
	opCheckAccess        = "check access"
	opAddActiveRole      = "add active role"
	opDropActiveRole     = "drop active role"
	opDeleteSession      = "delete session"
	opSessionRoles       = "session roles"
	opSessionPermissions = "session permissions"

	credentialFailure = "unknown user or incorrect password"
)

func (a *Authority) createSession(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	defer util.WipeBytes(req.Password)
	key := util.NormalizeID(req.UserID)

	if !req.Trusted {
		if blocked, retryAfter := a.limiter.check(key); blocked {
			a.audit.logFailure(ctx, AuditLoginRateLimited, req.UserID, "too many failed attempts",
				slog.Duration("retry_after", retryAfter))
			return protocol.Response{}, rbac.NewError(rbac.InvalidCredential, opCreateSession, "too many failed attempts; try again later")
		}
	}

	user, err := a.policy.User(ctx, req.UserID)
	if errors.Is(err, ErrUnknownUser) {
		return protocol.Response{}, a.credentialFailed(ctx, req, key, "unknown user")
	}
	if err != nil {
		return protocol.Response{}, err
	}

	if !req.Trusted {
		if user.Password == nil {
			return protocol.Response{}, a.credentialFailed(ctx, req, key, "no password set")
		}
		pw := util.NormalizeBytes(req.Password)
		ok, err := user.Password.Verify(pw)
		util.WipeBytes(pw)
		if err != nil {
			return protocol.Response{}, err
		}
		if !ok {
			return protocol.Response{}, a.credentialFailed(ctx, req, key, "incorrect password")
		}
		a.limiter.recordSuccess(key)
	}

	roles, err := a.initialRoles(user, req.Roles)
	if err != nil {
		a.audit.logFailure(ctx, AuditRoleActivationFailed, user.UserID, err.Error())
		return protocol.Response{}, err
	}

	s, err := a.newSession(user, req.Trusted, roles)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := a.sessions.Put(ctx, s); err != nil {
		return protocol.Response{}, err
	}

	a.audit.logUser(ctx, AuditSessionCreated, user.UserID,
		slog.Bool("trusted", req.Trusted),
		slog.Any("roles", roles))
	resp := snapshot(req, *s)
	resp.Token = s.Token
	return resp, nil
}

func (a *Authority) credentialFailed(ctx context.Context, req protocol.Request, key, reason string) error {
	if !req.Trusted {
		a.limiter.recordFailure(key)
	}
	a.audit.logFailure(ctx, AuditSessionCreateFailed, req.UserID, reason, slog.Bool("trusted", req.Trusted))
	return rbac.NewError(rbac.InvalidCredential, opCreateSession, credentialFailure)
}

// initialRoles resolves the roles a new session starts with. Requested names
// must all be assigned to the user; duplicates collapse to one entry and the
// stored spelling is used.
func (a *Authority) initialRoles(user UserRecord, requested []string) ([]string, error) {
	if len(requested) == 0 {
		if a.activation == ActivateNone {
			return []string{}, nil
		}
		return append([]string{}, user.Roles...), nil
	}

	roles := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		canonical, ok := user.AssignedRole(name)
		if !ok {
			return nil, rbac.Errorf(rbac.ActivationFailed, opCreateSession, "role %q is not assigned to %q", name, user.UserID)
		}
		key := util.NormalizeID(canonical)
		if seen[key] {
			continue
		}
		seen[key] = true
		roles = append(roles, canonical)
	}
	return roles, nil
}

func (a *Authority) addActiveRole(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, err := a.updateSession(ctx, opAddActiveRole, req.Token, func(s *SessionState) error {
		user, err := a.policy.User(ctx, s.UserID)
		if errors.Is(err, ErrUnknownUser) {
			return rbac.Errorf(rbac.ActivationFailed, opAddActiveRole, "user %q no longer exists", s.UserID)
		}
		if err != nil {
			return err
		}
		canonical, ok := user.AssignedRole(req.Role)
		if !ok {
			return rbac.Errorf(rbac.ActivationFailed, opAddActiveRole, "role %q is not assigned to %q", req.Role, s.UserID)
		}
		if s.HasRole(canonical) {
			return rbac.Errorf(rbac.AlreadyActive, opAddActiveRole, "role %q is already active", req.Role)
		}
		s.Roles = append(s.Roles, canonical)
		return nil
	})
	if err != nil {
		if c, ok := rbac.CategoryOf(err); ok && c != rbac.SessionInvalid {
			a.audit.logFailure(ctx, AuditRoleActivationFailed, s.UserID, err.Error(), slog.String("role", req.Role))
		}
		return protocol.Response{}, err
	}
	a.audit.logUser(ctx, AuditRoleActivated, s.UserID, slog.String("role", req.Role))
	return snapshot(req, s), nil
}

func (a *Authority) dropActiveRole(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, err := a.updateSession(ctx, opDropActiveRole, req.Token, func(s *SessionState) error {
		i := s.roleIndex(req.Role)
		if i < 0 {
			return rbac.Errorf(rbac.NotActive, opDropActiveRole, "role %q is not active", req.Role)
		}
		s.Roles = append(s.Roles[:i:i], s.Roles[i+1:]...)
		return nil
	})
	if err != nil {
		if c, ok := rbac.CategoryOf(err); ok && c == rbac.NotActive {
			a.audit.logFailure(ctx, AuditRoleDeactivationFailed, s.UserID, err.Error(), slog.String("role", req.Role))
		}
		return protocol.Response{}, err
	}
	a.audit.logUser(ctx, AuditRoleDeactivated, s.UserID, slog.String("role", req.Role))
	return snapshot(req, s), nil
}

func (a *Authority) checkAccess(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var allowed bool
	s, err := a.updateSession(ctx, opCheckAccess, req.Token, func(s *SessionState) error {
		grants, err := a.policy.Grants(ctx, s.Roles)
		if err != nil {
			return err
		}
		allowed, err = a.evaluator.Allowed(ctx, NewAccessInput(s.Roles, grants, *req.Permission))
		return err
	})
	if err != nil {
		return protocol.Response{}, err
	}
	a.audit.logUser(ctx, AuditAccessChecked, s.UserID,
		slog.String("permission", req.Permission.String()),
		slog.Bool("allowed", allowed))
	resp := snapshot(req, s)
	resp.Allowed = allowed
	return resp, nil
}

func (a *Authority) deleteSession(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	unlock := a.locks.lock(req.Token)
	defer unlock()

	s, err := a.loadSession(ctx, opDeleteSession, req.Token)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := a.sessions.Delete(ctx, req.Token); err != nil {
		return protocol.Response{}, err
	}
	a.audit.logUser(ctx, AuditSessionDeleted, s.UserID)
	resp := protocol.OK(req)
	resp.UserID = s.UserID
	return resp, nil
}

func (a *Authority) sessionRoles(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s, err := a.updateSession(ctx, opSessionRoles, req.Token, func(*SessionState) error { return nil })
	if err != nil {
		return protocol.Response{}, err
	}
	return snapshot(req, s), nil
}

func (a *Authority) sessionPermissions(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var perms []rbac.Permission
	s, err := a.updateSession(ctx, opSessionPermissions, req.Token, func(s *SessionState) error {
		grants, err := a.policy.Grants(ctx, s.Roles)
		if err != nil {
			return err
		}
		perms = rbac.PermissionsFor(rbac.UserRoles(s.UserID, s.Roles), grants)
		return nil
	})
	if err != nil {
		return protocol.Response{}, err
	}
	resp := snapshot(req, s)
	resp.Permissions = perms
	return resp, nil
}
