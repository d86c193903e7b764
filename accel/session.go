package accel

import (
	"slices"

	"github.com/jmcleod/rbacaccel/rbac"
)

// Session is a caller-held handle on an authority session. The token is
// opaque and is never interpreted locally. Roles is the active-role snapshot
// from the most recent successful mutating or refreshing call, replaced
// wholesale each time.
type Session struct {
	token   string
	userID  string
	trusted bool
	roles   []rbac.UserRole
	deleted bool
}

// Token returns the opaque session token issued by the authority.
func (s *Session) Token() string { return s.token }

// UserID returns the principal the session was created for.
func (s *Session) UserID() string { return s.userID }

// Trusted reports whether the session was created without credential
// verification.
func (s *Session) Trusted() bool { return s.trusted }

// Deleted reports whether DeleteSession has completed for s.
func (s *Session) Deleted() bool { return s.deleted }

// Roles returns a copy of the active-role snapshot, in authority order.
func (s *Session) Roles() []rbac.UserRole {
	return slices.Clone(s.roles)
}

// HasRole reports whether name is in the active-role snapshot.
func (s *Session) HasRole(name string) bool {
	return rbac.ContainsRole(s.roles, name)
}

func (s *Session) apply(names []string) {
	s.roles = rbac.UserRoles(s.userID, names)
}

func (s *Session) owns(role rbac.UserRole) bool {
	return role.UserID == "" || rbac.NameKey(role.UserID) == rbac.NameKey(s.userID)
}

func (s *Session) usable(op string) error {
	switch {
	case s == nil:
		return rbac.NewError(rbac.SessionInvalid, op, "no session")
	case s.deleted:
		return rbac.NewError(rbac.SessionInvalid, op, "session has been deleted")
	case s.token == "":
		return rbac.NewError(rbac.SessionInvalid, op, "session has no token")
	}
	return nil
}
